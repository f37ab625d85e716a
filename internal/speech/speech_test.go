package speech

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestTTSClientSynthesize(t *testing.T) {
	var gotKey, gotFormat, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Ocp-Apim-Subscription-Key")
		gotFormat = r.Header.Get("X-Microsoft-OutputFormat")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "secret", testLogger(), WithVoice("en-GB-SoniaNeural"))

	audio, err := c.Synthesize(context.Background(), "hello world")

	require.NoError(t, err)
	assert.Equal(t, []byte("audio-bytes"), audio)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, DefaultAudioFormat, gotFormat)
	assert.Contains(t, gotBody, "en-GB-SoniaNeural")
	assert.Contains(t, gotBody, "hello world")
}

func TestTTSClientNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewTTSClient(srv.URL, "secret", testLogger())

	_, err := c.Synthesize(context.Background(), "hi")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestForwarderSend(t *testing.T) {
	var gotPath, gotTrackID string
	var gotAudio []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotTrackID = r.Header.Get("X-Track-ID")
		gotAudio, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	f := NewForwarder(srv.URL, testLogger())

	err := f.Send(context.Background(), "dev-1", []byte{0x01, 0x02}, "trk-1")

	require.NoError(t, err)
	assert.Equal(t, "/devices/dev-1/audio", gotPath)
	assert.Equal(t, "trk-1", gotTrackID)
	assert.Equal(t, []byte{0x01, 0x02}, gotAudio)
}

func TestForwarderGatewayError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "device offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	f := NewForwarder(srv.URL, testLogger())

	err := f.Send(context.Background(), "dev-1", []byte("x"), "trk-1")

	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestNoOpCollaborators(t *testing.T) {
	audio, err := NoOpSynthesizer{}.Synthesize(context.Background(), "anything")
	require.NoError(t, err)
	assert.Empty(t, audio)

	assert.NoError(t, NoOpSender{}.Send(context.Background(), "dev-1", audio, "trk-1"))
}
