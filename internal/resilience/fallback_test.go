package resilience

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"
)

func intChain(cfg BreakerConfig) *Chain[int] {
	return NewChain(cfg,
		Entry[int]{Name: "ten", Value: 10},
		Entry[int]{Name: "twenty", Value: 20},
	)
}

func TestTry(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		fail     map[int]error
		wantName string
		wantRes  int
		wantErr  error
	}{
		{name: "primary succeeds", wantName: "ten", wantRes: 11},
		{name: "fallback after failure", fail: map[int]error{10: errTest}, wantName: "twenty", wantRes: 21},
		{name: "all fail", fail: map[int]error{10: errTest, 20: errTest}, wantErr: ErrAllFailed},
		{name: "cancel stops the walk", fail: map[int]error{10: context.Canceled}, wantName: "ten", wantErr: context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var tried []int
			res, name, err := Try(intChain(BreakerConfig{}), func(v int) (int, error) {
				tried = append(tried, v)
				if err := tt.fail[v]; err != nil {
					return 0, err
				}
				return v + 1, nil
			})
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
			} else if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res != tt.wantRes {
				t.Errorf("res = %d, want %d", res, tt.wantRes)
			}
			if name != tt.wantName {
				t.Errorf("name = %q, want %q", name, tt.wantName)
			}
			if errors.Is(tt.wantErr, context.Canceled) && len(tried) != 1 {
				t.Errorf("tried = %v, want only the primary", tried)
			}
		})
	}
}

func TestTry_AllFailedKeepsLastError(t *testing.T) {
	t.Parallel()
	errLast := errors.New("last")
	_, _, err := Try(intChain(BreakerConfig{}), func(v int) (int, error) {
		if v == 20 {
			return 0, errLast
		}
		return 0, errTest
	})
	if !errors.Is(err, ErrAllFailed) || !errors.Is(err, errLast) {
		t.Fatalf("err = %v, want ErrAllFailed wrapping last error", err)
	}
}

func TestTry_SkipsOpenBreaker(t *testing.T) {
	t.Parallel()
	c := intChain(BreakerConfig{MaxFailures: 1, Cooldown: time.Hour})

	_, _, _ = Try(c, func(v int) (int, error) {
		if v == 10 {
			return 0, errTest
		}
		return v, nil
	})
	if got := c.Breaker("ten").State(); got != StateOpen {
		t.Fatalf("primary breaker = %v, want open", got)
	}

	var tried []int
	_, name, err := Try(c, func(v int) (int, error) {
		tried = append(tried, v)
		return v, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if name != "twenty" || !slices.Equal(tried, []int{20}) {
		t.Errorf("name = %q tried = %v, want twenty only", name, tried)
	}
}

func TestTry_EmptyChain(t *testing.T) {
	t.Parallel()
	_, _, err := Try(NewChain[int](BreakerConfig{}), func(v int) (int, error) { return v, nil })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestChain_Accessors(t *testing.T) {
	t.Parallel()
	c := intChain(BreakerConfig{})
	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	if got := c.Names(); !slices.Equal(got, []string{"ten", "twenty"}) {
		t.Errorf("Names = %v", got)
	}
	if p := c.Primary(); p.Name != "ten" || p.Value != 10 {
		t.Errorf("Primary = %+v", p)
	}
	if c.Breaker("thirty") != nil {
		t.Error("Breaker(unknown) should be nil")
	}
}
