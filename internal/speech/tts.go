// Package speech holds the delivery pipeline's audio collaborators: a
// text-to-speech client and the forwarder that pushes synthesized audio to
// the device-facing audio gateway.
package speech

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultVoice is used when no voice is configured.
	DefaultVoice = "en-US-AvaNeural"

	// DefaultAudioFormat matches what the device firmware decodes.
	DefaultAudioFormat = "riff-24khz-16bit-mono-pcm"
)

// TTSOption configures the TTS client.
type TTSOption func(*TTSClient)

// WithVoice sets the synthesis voice.
func WithVoice(voice string) TTSOption {
	return func(c *TTSClient) {
		c.voice = voice
	}
}

// WithAudioFormat sets the audio output format.
func WithAudioFormat(format string) TTSOption {
	return func(c *TTSClient) {
		c.format = format
	}
}

// WithHTTPTimeout sets the HTTP client timeout for synthesis requests.
func WithHTTPTimeout(d time.Duration) TTSOption {
	return func(c *TTSClient) {
		c.httpClient.Timeout = d
	}
}

// TTSClient synthesizes speech via an Azure-style cognitive-services HTTP
// endpoint. It implements domain.Synthesizer.
type TTSClient struct {
	endpoint   string
	apiKey     string
	voice      string
	format     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewTTSClient creates a TTS client for the given endpoint and key.
func NewTTSClient(endpoint, apiKey string, logger *slog.Logger, opts ...TTSOption) *TTSClient {
	c := &TTSClient{
		endpoint: endpoint,
		apiKey:   apiKey,
		voice:    DefaultVoice,
		format:   DefaultAudioFormat,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Synthesize converts text to audio bytes.
func (c *TTSClient) Synthesize(ctx context.Context, text string) ([]byte, error) {
	ssml := c.buildSSML(text)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, strings.NewReader(ssml))
	if err != nil {
		return nil, fmt.Errorf("creating synthesis request: %w", err)
	}
	req.Header.Set("Ocp-Apim-Subscription-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/ssml+xml")
	req.Header.Set("X-Microsoft-OutputFormat", c.format)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("synthesis request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("synthesis endpoint returned %d: %s", resp.StatusCode, string(body))
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading audio payload: %w", err)
	}

	c.logger.Debug("speech synthesized",
		slog.Int("text_chars", len(text)),
		slog.Int("audio_bytes", len(audio)),
		slog.String("voice", c.voice),
	)
	return audio, nil
}

func (c *TTSClient) buildSSML(text string) string {
	return fmt.Sprintf(
		`<speak version='1.0' xml:lang='en-US'><voice xml:lang='en-US' name='%s'>%s</voice></speak>`,
		c.voice, text,
	)
}
