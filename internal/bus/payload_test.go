package bus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceFromTopic(t *testing.T) {
	cases := []struct {
		topic  string
		device string
		ok     bool
	}{
		{"device/dev1/ack", "dev1", true},
		{"device/living-room/event", "living-room", true},
		{"device//ack", "", false},
		{"device/dev1", "", false},
		{"device/dev1/ack/extra", "", false},
		{"other/dev1/ack", "", false},
	}
	for _, c := range cases {
		device, ok := deviceFromTopic(c.topic)
		assert.Equal(t, c.ok, ok, "topic %q", c.topic)
		assert.Equal(t, c.device, device, "topic %q", c.topic)
	}
}

func TestDecodeAck(t *testing.T) {
	ack, err := decodeAck([]byte(`{"evt":"CMD_RECEIVED","track_id":"trk-1","timestamp":"2026-08-26T10:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "trk-1", ack.TrackID)
}

func TestDecodeAckRejectsBadPayloads(t *testing.T) {
	cases := map[string]string{
		"not json":      `{{`,
		"wrong evt":     `{"evt":"EVT_SPEAK_DONE","track_id":"trk-1"}`,
		"missing track": `{"evt":"CMD_RECEIVED"}`,
	}
	for name, payload := range cases {
		if _, err := decodeAck([]byte(payload)); err == nil {
			t.Errorf("%s: expected decode error", name)
		}
	}
}

func TestDecodeEvent(t *testing.T) {
	done, err := decodeEvent([]byte(`{"evt":"EVT_SPEAK_DONE","track_id":"trk-2"}`))
	require.NoError(t, err)
	assert.Equal(t, EvtSpeakDone, done.Evt)

	fail, err := decodeEvent([]byte(`{"evt":"EVT_SPEAK_ERROR","track_id":"trk-3","error":"codec fault"}`))
	require.NoError(t, err)
	assert.Equal(t, EvtSpeakError, fail.Evt)
	assert.Equal(t, "codec fault", fail.Error)

	_, err = decodeEvent([]byte(`{"evt":"CMD_RECEIVED","track_id":"trk-4"}`))
	assert.Error(t, err)
}
