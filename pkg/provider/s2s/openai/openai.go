// Package openai implements the s2s.Provider interface for OpenAI's Realtime API.
//
// It establishes a bidirectional WebSocket connection to the OpenAI Realtime
// endpoint and exchanges JSON events according to the Realtime API protocol.
// The API expects 24 kHz PCM16 in both directions, so caller audio captured
// at 16 kHz is resampled before it is appended to the input buffer. Server
// voice activity detection drives barge-in: speech_started is surfaced as
// [s2s.EventInterrupted]. Supervisor directives are inserted as system
// conversation items.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/MrWong99/callbridge/pkg/audio"
	"github.com/MrWong99/callbridge/pkg/provider/s2s"
	"github.com/MrWong99/callbridge/pkg/provider/s2s/internal/wsconn"
)

// Compile-time assertion that Provider satisfies the s2s interface.
var _ s2s.Provider = (*Provider)(nil)

const (
	// DefaultModel is the Realtime model used when none is configured.
	DefaultModel = "gpt-4o-realtime-preview"

	// DefaultVoice is used when the configured voice is not an OpenAI voice.
	DefaultVoice = "alloy"

	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// wireSampleRate is the PCM16 rate the Realtime API uses both ways.
	wireSampleRate = 24000
)

// Voices lists the voices the Realtime API accepts.
var Voices = []string{"alloy", "ash", "ballad", "coral", "echo", "sage", "shimmer", "verse"}

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
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
			p.baseURL = url
		}
	}
}

// WithSessionOptions passes options to every session's WebSocket layer.
func WithSessionOptions(opts ...wsconn.Option) Option {
	return func(p *Provider) { p.sessionOpts = append(p.sessionOpts, opts...) }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements s2s.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey      string
	model       string
	baseURL     string
	sessionOpts []wsconn.Option
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
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

// Capabilities returns static metadata about the OpenAI Realtime provider.
func (p *Provider) Capabilities() s2s.Capabilities {
	return s2s.Capabilities{
		Voices:           append([]string(nil), Voices...),
		DefaultVoice:     DefaultVoice,
		InputSampleRate:  audio.InputSampleRate,
		OutputSampleRate: wireSampleRate,
	}
}

// Connect dials the Realtime endpoint, sends session.update and waits for
// session.updated before returning.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	if p.apiKey == "" {
		return nil, &s2s.ConnectError{Provider: "openai", Err: errors.New("missing API key")}
	}
	wsURL := p.baseURL + "?model=" + url.QueryEscape(p.model)
	header := http.Header{
		"Authorization": []string{"Bearer " + p.apiKey},
		"OpenAI-Beta":   []string{"realtime=v1"},
	}

	voice := cfg.Voice
	if !slices.Contains(Voices, strings.ToLower(voice)) {
		if voice != "" {
			slog.Warn("openai: unsupported voice, using default", "voice", voice, "default", DefaultVoice)
		}
		voice = DefaultVoice
	}

	proto := &protocol{voice: strings.ToLower(voice), instructions: cfg.Instructions}
	sess, err := wsconn.Dial(ctx, "openai", wsURL, header, proto, p.sessionOpts...)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities        []string       `json:"modalities"`
	Voice             string         `json:"voice,omitempty"`
	Instructions      string         `json:"instructions,omitempty"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection,omitempty"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

// serverErrorDetail represents the nested error object in an OpenAI Realtime
// error event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type serverEvent struct {
	Type  string             `json:"type"`
	Delta string             `json:"delta,omitempty"`
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── protocol ───────────────────────────────────────────────────────────────────

// protocol implements wsconn.Protocol for the Realtime API.
type protocol struct {
	voice        string
	instructions string
}

// Setup builds the session.update event configuring voice, instructions,
// audio formats and server-side turn detection.
func (p *protocol) Setup() ([][]byte, error) {
	msg := sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Modalities:        []string{"audio", "text"},
			Voice:             p.voice,
			Instructions:      p.instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     &turnDetection{Type: "server_vad"},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal session.update: %w", err)
	}
	return [][]byte{data}, nil
}

// Decode maps one server event.
func (p *protocol) Decode(data []byte) ([]s2s.Event, bool, error) {
	var evt serverEvent
	if err := json.Unmarshal(data, &evt); err != nil {
		return nil, false, fmt.Errorf("openai: decode: %w", err)
	}

	switch evt.Type {
	case "session.updated":
		return nil, true, nil

	case "response.audio.delta":
		pcm, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(pcm) == 0 {
			return nil, false, nil
		}
		return []s2s.Event{{Kind: s2s.EventAudio, Audio: pcm}}, false, nil

	case "input_audio_buffer.speech_started":
		return []s2s.Event{{Kind: s2s.EventInterrupted}}, false, nil

	case "response.done":
		return []s2s.Event{{Kind: s2s.EventTurnComplete}}, false, nil

	case "error":
		msg := "unknown error"
		code := ""
		if evt.Error != nil {
			if evt.Error.Message != "" {
				msg = evt.Error.Message
			}
			code = evt.Error.Code
		}
		return []s2s.Event{{Kind: s2s.EventError, Err: fmt.Errorf("openai: server error %s: %s", code, msg)}}, false, nil
	}
	return nil, false, nil
}

// EncodeAudio resamples caller PCM to the wire rate and appends it to the
// input audio buffer.
func (p *protocol) EncodeAudio(pcm []byte) ([]byte, error) {
	wire := audio.ResampleMono16(pcm, audio.InputSampleRate, wireSampleRate)
	data, err := json.Marshal(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(wire),
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal audio: %w", err)
	}
	return data, nil
}

// EncodeCommand inserts the directive as a system message.
func (p *protocol) EncodeCommand(text string) ([][]byte, error) {
	data, err := json.Marshal(createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{
			Type: "message",
			Role: "system",
			Content: []conversationPart{
				{Type: "input_text", Text: s2s.CommandTag + text},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal command: %w", err)
	}
	return [][]byte{data}, nil
}
