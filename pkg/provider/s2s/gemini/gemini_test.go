package gemini_test

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/s2s/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// sendSetupComplete sends the server-side setupComplete ack.
func sendSetupComplete(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// acceptSetup reads the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	sendSetupComplete(t, conn)
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// collectEvents drains the handle's event stream until it closes.
func collectEvents(t *testing.T, h s2s.SessionHandle) []s2s.Event {
	t.Helper()
	var out []s2s.Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timeout waiting for event stream to close; got %d events", len(out))
			return out
		}
	}
}

type mediaMessage struct {
	RealtimeInput struct {
		MediaChunks []struct {
			MIMEType string `json:"mimeType"`
			Data     string `json:"data"`
		} `json:"mediaChunks"`
	} `json:"realtimeInput"`
}

// ── Provider ──────────────────────────────────────────────────────────────────

func TestCapabilities(t *testing.T) {
	t.Parallel()
	caps := gemini.New("key").Capabilities()
	for _, v := range []string{"Puck", "Charon", "Kore", "Fenrir", "Zephyr"} {
		if !caps.HasVoice(v) {
			t.Errorf("voice %q missing", v)
		}
	}
	if caps.DefaultVoice != gemini.DefaultVoice {
		t.Errorf("DefaultVoice = %q, want %q", caps.DefaultVoice, gemini.DefaultVoice)
	}
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	keys := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		keys <- r.URL.Query().Get("key")
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	p := gemini.New("secret", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-model"))
	handle, err := p.Connect(context.Background(), s2s.SessionConfig{
		Instructions: "You are the caller's assistant.",
		Voice:        "Kore",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if got := <-keys; got != "secret" {
		t.Errorf("key query = %q, want secret", got)
	}
	msg := <-received
	if msg.Setup.Model != "models/custom-model" {
		t.Errorf("model = %q, want models/custom-model", msg.Setup.Model)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v, want [AUDIO]", got)
	}
	if got := msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName; got != "Kore" {
		t.Errorf("voice = %q, want Kore", got)
	}
	if msg.Setup.SystemInstruction == nil || msg.Setup.SystemInstruction.Parts[0].Text != "You are the caller's assistant." {
		t.Errorf("systemInstruction = %+v", msg.Setup.SystemInstruction)
	}
}

func TestConnect_DefaultVoice(t *testing.T) {
	t.Parallel()

	voices := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				GenerationConfig struct {
					SpeechConfig struct {
						VoiceConfig struct {
							PrebuiltVoiceConfig struct {
								VoiceName string `json:"voiceName"`
							} `json:"prebuiltVoiceConfig"`
						} `json:"voiceConfig"`
					} `json:"speechConfig"`
				} `json:"generationConfig"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		voices <- msg.Setup.GenerationConfig.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()
	if got := <-voices; got != "Zephyr" {
		t.Errorf("voice = %q, want Zephyr", got)
	}
}

func TestConnect_WaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	const delay = 150 * time.Millisecond
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		time.Sleep(delay)
		sendSetupComplete(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	start := time.Now()
	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	if elapsed := time.Since(start); elapsed < delay {
		t.Errorf("Connect returned after %v, before setupComplete", elapsed)
	}
	if handle.State() != s2s.StateOpen {
		t.Errorf("state = %v, want open", handle.State())
	}
}

func TestConnect_Rejected(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusPolicyViolation, "API key not valid")
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *s2s.ConnectError", err)
	}
	if ce.Provider != "gemini" {
		t.Errorf("provider = %q, want gemini", ce.Provider)
	}
}

func TestConnect_ServerErrorDuringHandshake(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 404, "message": "model not found"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	_, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) || !strings.Contains(err.Error(), "model not found") {
		t.Fatalf("err = %v, want ConnectError mentioning the server message", err)
	}
}

func TestConnect_MissingKey(t *testing.T) {
	t.Parallel()
	_, err := gemini.New("").Connect(context.Background(), s2s.SessionConfig{})
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *s2s.ConnectError", err)
	}
}

func TestConnect_ContextCancelled(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never acknowledge the setup.
		<-conn.CloseRead(context.Background()).Done()
	})

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := newProvider(srv).Connect(ctx, s2s.SessionConfig{})
	var ce *s2s.ConnectError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want *s2s.ConnectError", err)
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_AudioInterruptTurnComplete(t *testing.T) {
	t.Parallel()

	chunk1 := []byte{1, 0, 2, 0}
	chunk2 := []byte{3, 0, 4, 0}
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(chunk1)}},
						{"text": "ignored"},
						{"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": base64.StdEncoding.EncodeToString(chunk2)}},
					},
				},
			},
		})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"interrupted": true}})
		writeJSON(t, conn, map[string]any{"serverContent": map[string]any{"turnComplete": true}})
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	events := collectEvents(t, handle)
	want := []s2s.EventKind{s2s.EventAudio, s2s.EventAudio, s2s.EventInterrupted, s2s.EventTurnComplete, s2s.EventClosed}
	if len(events) != len(want) {
		t.Fatalf("got %d events %v, want %v", len(events), kinds(events), want)
	}
	for i, k := range want {
		if events[i].Kind != k {
			t.Errorf("event %d = %v, want %v", i, events[i].Kind, k)
		}
	}
	if string(events[0].Audio) != string(chunk1) || string(events[1].Audio) != string(chunk2) {
		t.Error("audio payloads out of order or corrupted")
	}
	if events[4].Err != nil {
		t.Errorf("normal close carried error %v", events[4].Err)
	}
	if handle.State() != s2s.StateClosed {
		t.Errorf("state = %v, want closed", handle.State())
	}
}

func TestEvents_ServerErrorClosesSession(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "internal"}})
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	events := collectEvents(t, handle)
	if len(events) != 2 || events[0].Kind != s2s.EventError || events[1].Kind != s2s.EventClosed {
		t.Fatalf("events = %v, want [error closed]", kinds(events))
	}
	if events[1].Err == nil {
		t.Error("closed event should carry the server error")
	}
}

func TestEvents_AbnormalClose(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusInternalError, "backend crashed")
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	events := collectEvents(t, handle)
	last := events[len(events)-1]
	if last.Kind != s2s.EventClosed || last.Err == nil {
		t.Fatalf("last event = %v (err %v), want closed with error", last.Kind, last.Err)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendCommand_OrderedAfterAudio(t *testing.T) {
	t.Parallel()

	received := make(chan mediaMessage, 8)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		for range 4 {
			var msg mediaMessage
			readJSON(t, conn, &msg)
			received <- msg
		}
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer handle.Close()

	for i := range 3 {
		handle.SendAudio([]byte{byte(i), 0})
	}
	if err := handle.SendCommand("Tell them I'm running late"); err != nil {
		t.Fatalf("SendCommand: %v", err)
	}

	for i := range 3 {
		msg := <-received
		c := msg.RealtimeInput.MediaChunks[0]
		if c.MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("message %d mime = %q, want audio", i, c.MIMEType)
		}
		pcm, _ := base64.StdEncoding.DecodeString(c.Data)
		if len(pcm) != 2 || pcm[0] != byte(i) {
			t.Errorf("audio message %d out of order: %v", i, pcm)
		}
	}
	cmd := (<-received).RealtimeInput.MediaChunks[0]
	if cmd.MIMEType != "text/plain" {
		t.Errorf("command mime = %q, want text/plain", cmd.MIMEType)
	}
	text, _ := base64.StdEncoding.DecodeString(cmd.Data)
	if want := "[SYSTEM_COMMAND]: Tell them I'm running late"; string(text) != want {
		t.Errorf("command payload = %q, want %q", text, want)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		<-conn.CloseRead(context.Background()).Done()
	})

	handle, err := newProvider(srv).Connect(context.Background(), s2s.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("first Close: %v", err)
	}
	if err := handle.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if handle.State() != s2s.StateClosed {
		t.Errorf("state = %v, want closed", handle.State())
	}

	// Sending after close is a silent no-op for audio and an error for commands.
	handle.SendAudio([]byte{1, 2})
	if err := handle.SendCommand("hello"); !errors.Is(err, s2s.ErrNotOpen) {
		t.Errorf("SendCommand after Close = %v, want ErrNotOpen", err)
	}

	events := collectEvents(t, handle)
	if n := len(events); n == 0 || events[n-1].Kind != s2s.EventClosed || events[n-1].Err != nil {
		t.Errorf("events after local close = %v, want a clean closed event", events)
	}
}

func kinds(events []s2s.Event) []s2s.EventKind {
	out := make([]s2s.EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}
