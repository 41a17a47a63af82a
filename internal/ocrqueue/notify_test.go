package ocrqueue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalNotifierDeliversWithoutBlockingOnRepeatedNotify(t *testing.T) {
	n := newLocalNotifier()
	ctx := context.Background()

	// Notify is called more times than the channel buffers; it must
	// never block the caller.
	for i := 0; i < 5; i++ {
		n.Notify(ctx)
	}

	select {
	case <-n.C():
	default:
		t.Fatal("expected at least one buffered wake signal")
	}
	require.NoError(t, n.Close())
}

// recordingNotifier wraps a localNotifier and records Notify and Close
// calls on fields MultiNotifier's pump goroutines never read, so a test
// can observe fan-out without racing the pump for the backend's C().
type recordingNotifier struct {
	*localNotifier
	notified chan struct{}
	closed   bool
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{localNotifier: newLocalNotifier(), notified: make(chan struct{}, 1)}
}

func (r *recordingNotifier) Notify(ctx context.Context) {
	select {
	case r.notified <- struct{}{}:
	default:
	}
	r.localNotifier.Notify(ctx)
}

func (r *recordingNotifier) Close() error {
	r.closed = true
	return r.localNotifier.Close()
}

func TestMultiNotifierFansOutNotifyToAllBackends(t *testing.T) {
	a := newRecordingNotifier()
	b := newRecordingNotifier()
	m := NewMultiNotifier(context.Background(), a, b)
	defer m.Close()

	m.Notify(context.Background())

	select {
	case <-a.notified:
	case <-time.After(time.Second):
		t.Fatal("backend a never received Notify")
	}
	select {
	case <-b.notified:
	case <-time.After(time.Second):
		t.Fatal("backend b never received Notify")
	}
}

func TestMultiNotifierMergesWhicheverBackendFiresFirst(t *testing.T) {
	a := newLocalNotifier()
	b := newLocalNotifier()
	m := NewMultiNotifier(context.Background(), a, b)
	defer m.Close()

	a.Notify(context.Background())

	select {
	case <-m.C():
	case <-time.After(time.Second):
		t.Fatal("merged channel never received a wake signal from backend a")
	}
}

func TestMultiNotifierCloseClosesEveryBackend(t *testing.T) {
	a := newRecordingNotifier()
	b := newRecordingNotifier()
	m := NewMultiNotifier(context.Background(), a, b)

	assert.NoError(t, m.Close())
	assert.True(t, a.closed, "backend a was not closed")
	assert.True(t, b.closed, "backend b was not closed")
}
