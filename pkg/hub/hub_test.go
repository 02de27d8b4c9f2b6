package hub

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/logocheck/pkg/types"
)

// fakeHandle records delivered events on a channel the test drains
type fakeHandle struct {
	sent       chan interface{}
	closed     chan struct{}
	closeOnce  sync.Once
	block      chan struct{}
	failWrites bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{
		sent:   make(chan interface{}, 256),
		closed: make(chan struct{}),
	}
}

func (f *fakeHandle) WriteJSON(v interface{}) error {
	if f.failWrites {
		return errors.New("write failed")
	}
	if f.block != nil {
		<-f.block
	}
	f.sent <- v
	return nil
}

func (f *fakeHandle) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeHandle) next(t *testing.T) interface{} {
	t.Helper()
	select {
	case v := <-f.sent:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return nil
	}
}

func (f *fakeHandle) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func TestPublishDeliversInOrder(t *testing.T) {
	h := New(time.Minute)
	defer h.Stop()

	handle := newFakeHandle()
	h.Attach("client-1", handle)
	h.Bind("batch-1", "client-1")

	for i := 0; i < 3; i++ {
		h.Publish("batch-1", types.ProgressEvent{Event: types.EventProgress, Processed: i + 1})
	}

	for i := 0; i < 3; i++ {
		ev, ok := handle.next(t).(types.ProgressEvent)
		require.True(t, ok)
		assert.Equal(t, i+1, ev.Processed)
	}
}

func TestPublishIgnoresUnboundBatch(t *testing.T) {
	h := New(time.Minute)
	defer h.Stop()

	handle := newFakeHandle()
	h.Attach("client-1", handle)
	h.Bind("batch-1", "client-1")

	h.Publish("other-batch", types.ProgressEvent{Event: types.EventProgress})

	select {
	case <-handle.sent:
		t.Fatal("received event for unbound batch")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBindIsIdempotent(t *testing.T) {
	h := New(time.Minute)
	defer h.Stop()

	handle := newFakeHandle()
	h.Attach("client-1", handle)
	h.Bind("batch-1", "client-1")
	h.Bind("batch-1", "client-1")

	h.Publish("batch-1", types.ProgressEvent{Event: types.EventProgress})
	handle.next(t)

	select {
	case <-handle.sent:
		t.Fatal("event delivered twice")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAttachReplacesHandleAndKeepsBindings(t *testing.T) {
	h := New(time.Minute)
	defer h.Stop()

	first := newFakeHandle()
	h.Attach("client-1", first)
	h.Bind("batch-1", "client-1")

	second := newFakeHandle()
	h.Attach("client-1", second)

	assert.True(t, first.isClosed())
	assert.Equal(t, 1, h.ClientCount())

	// The binding survives the reconnect
	h.Publish("batch-1", types.ProgressEvent{Event: types.EventProgress})
	ev, ok := second.next(t).(types.ProgressEvent)
	require.True(t, ok)
	assert.Equal(t, types.EventProgress, ev.Event)
}

func TestDetachIgnoresReplacedHandle(t *testing.T) {
	h := New(time.Minute)
	defer h.Stop()

	first := newFakeHandle()
	h.Attach("client-1", first)
	second := newFakeHandle()
	h.Attach("client-1", second)

	// The old connection's teardown must not drop the new one
	h.Detach("client-1", first)
	assert.Equal(t, 1, h.ClientCount())

	h.Detach("client-1", second)
	assert.Zero(t, h.ClientCount())
	assert.True(t, second.isClosed())
}

func TestPublishOverflowPrunesClient(t *testing.T) {
	h := New(time.Minute)
	defer h.Stop()

	handle := newFakeHandle()
	handle.block = make(chan struct{})
	defer close(handle.block)

	h.Attach("client-1", handle)
	h.Bind("batch-1", "client-1")

	// The writer is stuck, so the queue fills and the client is dropped
	for i := 0; i < outboundQueue+10; i++ {
		h.Publish("batch-1", types.ProgressEvent{Event: types.EventProgress, Processed: i})
	}

	assert.Zero(t, h.ClientCount())
	assert.True(t, handle.isClosed())
}

func TestWriteFailurePrunesClient(t *testing.T) {
	h := New(time.Minute)
	defer h.Stop()

	handle := newFakeHandle()
	handle.failWrites = true

	h.Attach("client-1", handle)
	h.Bind("batch-1", "client-1")
	h.Publish("batch-1", types.ProgressEvent{Event: types.EventProgress})

	// The failed write must deregister the client, not just end its writer
	require.Eventually(t, func() bool {
		return h.ClientCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "dead client never deregistered")
	assert.True(t, handle.isClosed())
}

func TestPruneDropsStaleClients(t *testing.T) {
	h := New(10 * time.Millisecond)
	defer h.Stop()

	stale := newFakeHandle()
	h.Attach("stale-client", stale)

	fresh := newFakeHandle()
	h.Attach("fresh-client", fresh)

	time.Sleep(20 * time.Millisecond)
	h.Touch("fresh-client")
	h.Prune()

	assert.Equal(t, 1, h.ClientCount())
	assert.True(t, stale.isClosed())
	assert.False(t, fresh.isClosed())
}

func TestSendToUnknownClient(t *testing.T) {
	h := New(time.Minute)
	defer h.Stop()

	// Must not panic
	h.SendTo("nobody", types.HeartbeatAck{Event: types.EventHeartbeatAck})
}

func TestStopClosesAllClients(t *testing.T) {
	h := New(time.Minute)

	handle := newFakeHandle()
	h.Attach("client-1", handle)
	h.Stop()

	assert.Zero(t, h.ClientCount())
	assert.True(t, handle.isClosed())
}
