package preview

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/callbridge/pkg/audio"
)

// ErrNoAudio is returned when the synthesiser answered without audio.
var ErrNoAudio = errors.New("preview: response carried no audio")

// Compile-time interface assertion.
var _ Synthesizer = (*GenAI)(nil)

// GenAI synthesises previews with a Gemini text-to-speech model.
type GenAI struct {
	client *genai.Client
	model  string
}

// GenAIOption configures a [GenAI] synthesiser.
type GenAIOption func(*genaiOptions)

type genaiOptions struct {
	baseURL    string
	httpClient *http.Client
}

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(u string) GenAIOption {
	return func(o *genaiOptions) { o.baseURL = u }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) GenAIOption {
	return func(o *genaiOptions) { o.httpClient = c }
}

// NewGenAI creates a synthesiser using model (e.g.
// "gemini-2.5-flash-preview-tts").
func NewGenAI(ctx context.Context, apiKey, model string, opts ...GenAIOption) (*GenAI, error) {
	if apiKey == "" {
		return nil, errors.New("preview: api key must not be empty")
	}
	if model == "" {
		return nil, errors.New("preview: model must not be empty")
	}
	var o genaiOptions
	for _, opt := range opts {
		opt(&o)
	}

	cc := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: o.httpClient,
	}
	if o.baseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: o.baseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("preview: create client: %w", err)
	}
	return &GenAI{client: client, model: model}, nil
}

// Synthesize implements [Synthesizer].
func (g *GenAI) Synthesize(ctx context.Context, text, voice string) (audio.Buffer, error) {
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: voice},
			},
		},
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, genai.Text(text), cfg)
	if err != nil {
		return audio.Buffer{}, fmt.Errorf("preview: generate: %w", err)
	}

	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, p := range cand.Content.Parts {
			if p == nil || p.InlineData == nil || len(p.InlineData.Data) == 0 {
				continue
			}
			return audio.Buffer{
				Samples:    audio.DecodePCM16(p.InlineData.Data),
				SampleRate: rateFromMIME(p.InlineData.MIMEType, audio.OutputSampleRate),
			}, nil
		}
	}
	return audio.Buffer{}, ErrNoAudio
}

// rateFromMIME reads the rate parameter of an "audio/L16;rate=24000" style
// MIME type, returning def when absent or malformed.
func rateFromMIME(mimeType string, def int) int {
	_, params, err := mime.ParseMediaType(strings.ReplaceAll(mimeType, " ", ""))
	if err != nil {
		return def
	}
	rate, err := strconv.Atoi(params["rate"])
	if err != nil || rate <= 0 {
		return def
	}
	return rate
}
