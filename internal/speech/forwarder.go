package speech

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ForwarderOption configures the audio forwarder.
type ForwarderOption func(*Forwarder)

// WithForwardTimeout sets the HTTP client timeout for audio uploads.
func WithForwardTimeout(d time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		f.httpClient.Timeout = d
	}
}

// Forwarder pushes synthesized audio to the device-facing audio gateway,
// which holds the persistent audio channel to each device. It implements
// domain.AudioSender.
type Forwarder struct {
	gatewayURL string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewForwarder creates an audio forwarder for the given gateway base URL.
func NewForwarder(gatewayURL string, logger *slog.Logger, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		gatewayURL: gatewayURL,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Send uploads the audio for one delivery. The track ID travels in a header
// so the gateway and device can join the audio stream to the command that
// announced it.
func (f *Forwarder) Send(ctx context.Context, deviceID string, audio []byte, trackID string) error {
	endpoint := fmt.Sprintf("%s/devices/%s/audio", f.gatewayURL, url.PathEscape(deviceID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(audio))
	if err != nil {
		return fmt.Errorf("creating audio upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Track-ID", trackID)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("audio upload failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("audio gateway returned %d: %s", resp.StatusCode, string(body))
	}

	f.logger.Debug("audio forwarded",
		slog.String("device_id", deviceID),
		slog.String("track_id", trackID),
		slog.Int("bytes", len(audio)),
	)
	return nil
}
