package speech

import "context"

// NoOpSynthesizer returns an empty artifact without contacting any provider.
// Used for voiceless deployments and local development.
type NoOpSynthesizer struct{}

func (NoOpSynthesizer) Synthesize(_ context.Context, _ string) ([]byte, error) {
	return []byte{}, nil
}

// NoOpSender discards audio. Paired with NoOpSynthesizer when no audio
// gateway is configured.
type NoOpSender struct{}

func (NoOpSender) Send(_ context.Context, _ string, _ []byte, _ string) error {
	return nil
}
