package health

import (
	"context"
	"errors"
	"testing"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/audio/devmatch"
)

func TestAPIKey(t *testing.T) {
	if err := APIKey("gemini-live", "secret").Probe(context.Background()); err != nil {
		t.Errorf("with key: unexpected error %v", err)
	}
	if err := APIKey("gemini-live", "").Probe(context.Background()); err == nil {
		t.Error("without key: expected error")
	}
}

func TestDevices(t *testing.T) {
	devices := []devmatch.Device{
		{Index: 0, Name: "Microphone (Realtek Audio)", InputChannels: 2},
		{Index: 1, Name: "CABLE Output (VB-Audio Virtual Cable)", InputChannels: 2},
		{Index: 2, Name: "CABLE Input (VB-Audio Virtual Cable)", OutputChannels: 2},
	}
	list := func() ([]devmatch.Device, error) { return devices, nil }
	m := devmatch.New()

	tests := []struct {
		name    string
		ep      audio.Endpoints
		wantErr bool
	}{
		{"virtual cable", audio.Endpoints{Capture: "CABLE Output", Render: "CABLE Input"}, false},
		{"defaults", audio.Endpoints{}, false},
		{"missing render", audio.Endpoints{Capture: "CABLE Output", Render: "Speakers (USB)"}, true},
		{"missing capture", audio.Endpoints{Capture: "Line In (Focusrite)"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Devices(list, m, tt.ep).Probe(context.Background())
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, devmatch.ErrNoMatch) {
				t.Errorf("err = %v, want ErrNoMatch", err)
			}
		})
	}
}

func TestDevices_ListError(t *testing.T) {
	list := func() ([]devmatch.Device, error) { return nil, errors.New("host API unavailable") }
	err := Devices(list, devmatch.New(), audio.Endpoints{Capture: "x"}).Probe(context.Background())
	if err == nil {
		t.Fatal("expected error")
	}
}
