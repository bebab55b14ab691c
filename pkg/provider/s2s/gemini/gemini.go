// Package gemini implements the s2s.Provider interface for Google's Gemini Live API.
//
// It establishes a bidirectional WebSocket connection to the Gemini Live endpoint
// and exchanges JSON messages according to the BidiGenerateContent protocol.
// Caller audio is transmitted as base64-encoded PCM media chunks. Supervisor
// directives travel on the same realtime input stream as a text/plain media
// chunk so they are ordered with the surrounding audio.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/s2s/internal/wsconn"
)

// Compile-time assertion that Provider satisfies the s2s interface.
var _ s2s.Provider = (*Provider)(nil)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Zephyr"

	defaultBaseURL = "wss://generativelanguage.googleapis.com/ws"
	endpointPath   = "/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	audioMIMEType   = "audio/pcm;rate=16000"
	commandMIMEType = "text/plain"
)

// Voices lists the prebuilt voices offered for calls.
var Voices = []string{"Puck", "Charon", "Kore", "Fenrir", "Zephyr", "Aoede"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the Gemini model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) {
		if model != "" {
			p.model = model
		}
	}
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) {
		if url != "" {
			p.baseURL = strings.TrimRight(url, "/")
		}
	}
}

// WithSessionOptions passes options to every session's WebSocket layer.
func WithSessionOptions(opts ...wsconn.Option) Option {
	return func(p *Provider) { p.sessionOpts = append(p.sessionOpts, opts...) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for Google's Gemini Live API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	sessionOpts []wsconn.Option
}

// New creates a new Gemini Live Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:  apiKey,
		model:   DefaultModel,
		baseURL: defaultBaseURL,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Capabilities returns static metadata about the Gemini Live provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:           append([]string(nil), Voices...),
		DefaultVoice:     DefaultVoice,
		InputSampleRate:  16000,
		OutputSampleRate: 24000,
	}
}

// Connect dials Gemini Live, sends the setup message and waits for
// setupComplete before returning.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, &s2s.ConnectError{Provider: "gemini", Err: errors.New("missing API key")}
	}
	wsURL := p.baseURL + endpointPath + "?key=" + url.QueryEscape(p.apiKey)

	proto := &protocol{model: p.model, cfg: cfg}
	header := http.Header{"Content-Type": []string{"application/json"}}
	sess, err := wsconn.Dial(ctx, "gemini", wsURL, header, proto, p.sessionOpts...)
	if err != nil {
		return nil, err
	}
	slog.Debug("gemini: session open", "model", p.model, "voice", proto.voice())
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model             string             `json:"model"`
	GenerationConfig  generationConfig   `json:"generationConfig"`
	SystemInstruction *systemInstruction `json:"systemInstruction,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type systemInstruction struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []mediaChunk `json:"mediaChunks"`
}

type mediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"` // base64-encoded
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverMessage struct {
	SetupComplete *json.RawMessage `json:"setupComplete,omitempty"`
	ServerContent *serverContent   `json:"serverContent,omitempty"`
	GoAway        *goAway          `json:"goAway,omitempty"`
	Error         *geminiError     `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

type serverContent struct {
	ModelTurn    *modelTurn `json:"modelTurn,omitempty"`
	TurnComplete bool       `json:"turnComplete,omitempty"`
	Interrupted  bool       `json:"interrupted,omitempty"`
}

type modelTurn struct {
	Parts []part `json:"parts"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// ── protocol ───────────────────────────────────────────────────────────────────

// protocol implements wsconn.Protocol for BidiGenerateContent.
type protocol struct {
	model string
	cfg   s2s.SessionConfig
}

func (p *protocol) voice() string {
	if p.cfg.Voice != "" {
		return p.cfg.Voice
	}
	return DefaultVoice
}

// Setup builds the initial BidiGenerateContent setup message.
func (p *protocol) Setup() ([][]byte, error) {
	msg := setupMessage{
		Setup: setupConfig{
			Model: "models/" + p.model,
			GenerationConfig: generationConfig{
				ResponseModalities: []string{"AUDIO"},
				SpeechConfig: &speechConfig{
					VoiceConfig: voiceConfig{
						PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: p.voice()},
					},
				},
			},
		},
	}
	if p.cfg.Instructions != "" {
		msg.Setup.SystemInstruction = &systemInstruction{
			Parts: []part{{Text: p.cfg.Instructions}},
		}
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal setup: %w", err)
	}
	return [][]byte{data}, nil
}

// Decode maps one server message to events. Within a message, audio parts
// precede the interrupted and turnComplete flags.
func (p *protocol) Decode(data []byte) ([]s2s.Event, bool, error) {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, false, fmt.Errorf("gemini: decode: %w", err)
	}

	var events []s2s.Event
	if msg.Error != nil {
		text := msg.Error.Message
		if text == "" {
			text = "unknown error"
		}
		events = append(events, s2s.Event{
			Kind: s2s.EventError,
			Err:  fmt.Errorf("gemini: server error %d: %s", msg.Error.Code, text),
		})
	}
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, pt := range sc.ModelTurn.Parts {
				if pt.InlineData == nil || !strings.HasPrefix(pt.InlineData.MIMEType, "audio/") {
					continue
				}
				pcm, err := base64.StdEncoding.DecodeString(pt.InlineData.Data)
				if err != nil || len(pcm) == 0 {
					continue
				}
				events = append(events, s2s.Event{Kind: s2s.EventAudio, Audio: pcm})
			}
		}
		if sc.Interrupted {
			events = append(events, s2s.Event{Kind: s2s.EventInterrupted})
		}
		if sc.TurnComplete {
			events = append(events, s2s.Event{Kind: s2s.EventTurnComplete})
		}
	}
	if msg.GoAway != nil {
		slog.Warn("gemini: server announced disconnect", "time_left", msg.GoAway.TimeLeft)
	}
	return events, msg.SetupComplete != nil, nil
}

// EncodeAudio wraps caller PCM as a realtime media chunk.
func (p *protocol) EncodeAudio(pcm []byte) ([]byte, error) {
	return encodeChunk(audioMIMEType, pcm)
}

// EncodeCommand wraps a directive as a text/plain media chunk carrying the
// command tag.
func (p *protocol) EncodeCommand(text string) ([][]byte, error) {
	msg, err := encodeChunk(commandMIMEType, []byte(s2s.CommandTag+text))
	if err != nil {
		return nil, err
	}
	return [][]byte{msg}, nil
}

func encodeChunk(mime string, payload []byte) ([]byte, error) {
	msg := realtimeInputMessage{
		RealtimeInput: realtimeInput{
			MediaChunks: []mediaChunk{{
				MIMEType: mime,
				Data:     base64.StdEncoding.EncodeToString(payload),
			}},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("gemini: marshal realtime input: %w", err)
	}
	return data, nil
}
