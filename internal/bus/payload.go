package bus

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Wire vocabulary shared with the device firmware.
const (
	CmdSpeak = "SPEAK"

	EvtCmdReceived = "CMD_RECEIVED"
	EvtSpeakDone   = "EVT_SPEAK_DONE"
	EvtSpeakError  = "EVT_SPEAK_ERROR"
)

// Topic shapes: device/{device_id}/command|ack|event.
const (
	ackFilter   = "device/+/ack"
	eventFilter = "device/+/event"
)

// Command is the outbound SPEAK payload.
type Command struct {
	Cmd     string `json:"cmd"`
	Text    string `json:"text"`
	TrackID string `json:"track_id"`
}

// Ack is the device's confirmation that a command was received. It is
// distinct from playback completion.
type Ack struct {
	Evt       string `json:"evt"`
	TrackID   string `json:"track_id"`
	Timestamp string `json:"timestamp"`
}

// Event is the device's playback completion or failure report.
type Event struct {
	Evt     string `json:"evt"`
	TrackID string `json:"track_id"`
	Error   string `json:"error,omitempty"`
}

func commandTopic(deviceID string) string {
	return "device/" + deviceID + "/command"
}

// deviceFromTopic extracts the device ID from a device/{id}/{leaf} topic.
func deviceFromTopic(topic string) (string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 || parts[0] != "device" || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}

func decodeAck(payload []byte) (*Ack, error) {
	var a Ack
	if err := json.Unmarshal(payload, &a); err != nil {
		return nil, fmt.Errorf("decode ack: %w", err)
	}
	if a.Evt != EvtCmdReceived {
		return nil, fmt.Errorf("unexpected ack evt %q", a.Evt)
	}
	if a.TrackID == "" {
		return nil, fmt.Errorf("ack missing track_id")
	}
	return &a, nil
}

func decodeEvent(payload []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(payload, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if e.Evt != EvtSpeakDone && e.Evt != EvtSpeakError {
		return nil, fmt.Errorf("unexpected event evt %q", e.Evt)
	}
	if e.TrackID == "" {
		return nil, fmt.Errorf("event missing track_id")
	}
	return &e, nil
}
