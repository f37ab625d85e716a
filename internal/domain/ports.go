package domain

import "context"

// Synthesizer converts message text into an audio artifact. Implementations
// can call a cloud TTS provider, a local model, or do nothing when voice is
// disabled.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

// AudioSender delivers a synthesized artifact to a device over the audio
// channel. The track ID must be the same token used for the SPEAK command so
// the device can join the two transports.
type AudioSender interface {
	Send(ctx context.Context, deviceID string, audio []byte, trackID string) error
}
