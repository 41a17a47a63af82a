package accesslog

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adverant/docuflow/internal/metastore"
	"github.com/adverant/docuflow/internal/model"
)

// fakeStore embeds the Store interface unimplemented so only the method
// under test needs a real body; any other call panics loudly.
type fakeStore struct {
	metastore.Store

	mu       sync.Mutex
	appended []*model.AccessLog
	failNext int
}

func (s *fakeStore) AppendAccessLog(ctx context.Context, entry *model.AccessLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return errors.New("transient metastore failure")
	}
	s.appended = append(s.appended, entry)
	return nil
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.appended)
}

func TestAppendSucceedsWithoutQueuing(t *testing.T) {
	store := &fakeStore{}
	l := New(store)

	l.Append(context.Background(), &model.AccessLog{DocumentID: "doc-1"})

	assert.Equal(t, 1, store.count())
	assert.Empty(t, l.pending)
	assert.Equal(t, int64(0), l.DroppedCount())
}

func TestAppendQueuesOnFailureAndRetryPendingFlushesFIFO(t *testing.T) {
	store := &fakeStore{failNext: 2}
	l := New(store)

	l.Append(context.Background(), &model.AccessLog{DocumentID: "doc-1"})
	l.Append(context.Background(), &model.AccessLog{DocumentID: "doc-2"})
	require.Len(t, l.pending, 2, "both appends failed and were queued")

	l.RetryPending(context.Background())
	assert.Empty(t, l.pending)
	assert.Equal(t, 2, store.count())
}

func TestRetryPendingStopsAtFirstFailureToPreserveOrder(t *testing.T) {
	store := &fakeStore{}
	l := New(store)
	l.pending = []*model.AccessLog{
		{DocumentID: "doc-1"},
		{DocumentID: "doc-2"},
		{DocumentID: "doc-3"},
	}
	store.failNext = 1 // the first retried entry fails, the rest must stay queued behind it

	l.RetryPending(context.Background())

	require.Len(t, l.pending, 3, "a mid-batch failure requeues itself and everything after it")
	assert.Equal(t, "doc-1", l.pending[0].DocumentID)
}

func TestAppendDropsOnceQueueIsFull(t *testing.T) {
	store := &fakeStore{}
	l := New(store)
	l.pending = make([]*model.AccessLog, MaxQueueSize)
	store.failNext = 1

	l.Append(context.Background(), &model.AccessLog{DocumentID: "overflow"})

	assert.Len(t, l.pending, MaxQueueSize, "queue does not grow past MaxQueueSize")
	assert.Equal(t, int64(1), l.DroppedCount())
}
