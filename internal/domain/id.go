package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewMessageID returns a globally unique message identifier.
func NewMessageID() string {
	return uuid.New().String()
}

// NewTrackID mints the opaque correlation token for one outbound command.
// The same token is echoed on the audio channel and on every ack/event the
// device sends back, so both transports can be joined by it.
func NewTrackID() string {
	return fmt.Sprintf("trk-%d-%s", time.Now().UnixMilli(), uuid.New().String()[:8])
}
