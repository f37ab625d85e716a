package dispatch

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YinLenRed/xiaozhiplus-sub000/internal/domain"
)

type publishCall struct {
	deviceID string
	text     string
	trackID  string
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (f *fakePublisher) PublishSpeak(_ context.Context, deviceID, text, trackID string) error {
	f.calls = append(f.calls, publishCall{deviceID: deviceID, text: text, trackID: trackID})
	return f.err
}

type fakeRegistrar struct {
	registered []string
	aborted    []string
}

func (f *fakeRegistrar) Register(_ context.Context, _, _, trackID string) {
	f.registered = append(f.registered, trackID)
}

func (f *fakeRegistrar) Abort(trackID string) {
	f.aborted = append(f.aborted, trackID)
}

type fakeEnqueuer struct {
	deviceID string
	content  string
	category domain.Category
	priority int
	id       string
	err      error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, deviceID, content string, category domain.Category, priority int) (string, error) {
	f.deviceID, f.content, f.category, f.priority = deviceID, content, category, priority
	return f.id, f.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestSendMessageEnqueues(t *testing.T) {
	eq := &fakeEnqueuer{id: "msg-1"}
	o := New(&fakePublisher{}, testLogger())
	o.Wire(&fakeRegistrar{}, eq)

	id, err := o.SendMessage(context.Background(), "dev-1", "door open", domain.CategoryAlert, 0)

	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Equal(t, "dev-1", eq.deviceID)
	assert.Equal(t, "door open", eq.content)
	assert.Equal(t, domain.CategoryAlert, eq.category)
	assert.Equal(t, 0, eq.priority)
}

func TestSendMessageRejection(t *testing.T) {
	eq := &fakeEnqueuer{err: errors.New("content is required")}
	o := New(&fakePublisher{}, testLogger())
	o.Wire(&fakeRegistrar{}, eq)

	_, err := o.SendMessage(context.Background(), "dev-1", "", domain.CategoryGreeting, 1)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "content is required")
}

func TestDispatchRegistersBeforePublish(t *testing.T) {
	pub := &fakePublisher{}
	reg := &fakeRegistrar{}
	o := New(pub, testLogger())
	o.Wire(reg, &fakeEnqueuer{})

	err := o.Dispatch(context.Background(), "dev-1", "hello", "trk-1")

	require.NoError(t, err)
	require.Len(t, reg.registered, 1)
	assert.Equal(t, "trk-1", reg.registered[0])
	require.Len(t, pub.calls, 1)
	assert.Equal(t, publishCall{deviceID: "dev-1", text: "hello", trackID: "trk-1"}, pub.calls[0])
	assert.Empty(t, reg.aborted)
}

func TestDispatchAbortsOnPublishFailure(t *testing.T) {
	pub := &fakePublisher{err: &domain.TransportError{DeviceID: "dev-1", Err: errors.New("not connected")}}
	reg := &fakeRegistrar{}
	o := New(pub, testLogger())
	o.Wire(reg, &fakeEnqueuer{})

	err := o.Dispatch(context.Background(), "dev-1", "hello", "trk-1")

	require.Error(t, err)
	var te *domain.TransportError
	require.ErrorAs(t, err, &te)
	require.Len(t, reg.aborted, 1)
	assert.Equal(t, "trk-1", reg.aborted[0])
}
