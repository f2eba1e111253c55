package server

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordingSink stores every payload written to it. When gate is set, each
// write waits on it, which lets tests stall a peer.
type recordingSink struct {
	mu      sync.Mutex
	writes  []string
	closed  bool
	err     error
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func newRecordingSink() *recordingSink {
	return &recordingSink{started: make(chan struct{})}
}

func newStalledSink() *recordingSink {
	s := newRecordingSink()
	s.gate = make(chan struct{})
	return s
}

func (s *recordingSink) write(payload []byte, _ time.Time) error {
	s.once.Do(func() { close(s.started) })
	if s.gate != nil {
		<-s.gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.writes = append(s.writes, string(payload))
	return nil
}

func (s *recordingSink) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.gate != nil {
		close(s.gate)
	}
	s.closed = true
	return nil
}

func (s *recordingSink) received() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.writes...)
}

func (s *recordingSink) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func testPeer(t *testing.T, out sink, queueSize int) *Peer {
	t.Helper()
	p := newPeer("test", TransportTCP, out, queueSize, time.Second, discardLogger())
	t.Cleanup(p.Close)
	return p
}

func TestRegistryKeepsInsertionOrder(t *testing.T) {
	reg := NewRegistry(true, discardLogger())
	a := testPeer(t, newRecordingSink(), 4)
	b := testPeer(t, newRecordingSink(), 4)
	c := testPeer(t, newRecordingSink(), 4)

	assert.Equal(t, 1, reg.Add(a))
	assert.Equal(t, 2, reg.Add(b))
	assert.Equal(t, 3, reg.Add(c))
	assert.Equal(t, []*Peer{a, b, c}, reg.Snapshot())

	assert.True(t, reg.Remove(b))
	assert.Equal(t, []*Peer{a, c}, reg.Snapshot())
	assert.False(t, reg.Remove(b), "second removal must report absence")
	assert.Equal(t, 2, reg.Len())
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	reg := NewRegistry(true, discardLogger())
	a := testPeer(t, newRecordingSink(), 4)
	reg.Add(a)

	snapshot := reg.Snapshot()
	reg.Remove(a)

	require.Len(t, snapshot, 1)
	assert.Same(t, a, snapshot[0])
	assert.Zero(t, reg.Len())
}

func TestRegistryBroadcastReachesEveryPeerIncludingSender(t *testing.T) {
	reg := NewRegistry(true, discardLogger())
	sinks := []*recordingSink{newRecordingSink(), newRecordingSink(), newRecordingSink()}
	peers := make([]*Peer, len(sinks))
	for i, s := range sinks {
		peers[i] = testPeer(t, s, 4)
		reg.Add(peers[i])
	}

	delivered := reg.Broadcast(peers[0], []byte("hello"))
	assert.Equal(t, 3, delivered)

	for i, s := range sinks {
		require.Eventually(t, func() bool { return len(s.received()) == 1 }, time.Second, 5*time.Millisecond, "peer %d", i)
		assert.Equal(t, []string{"hello"}, s.received())
	}
}

func TestRegistryBroadcastSkipsSenderWhenEchoDisabled(t *testing.T) {
	reg := NewRegistry(false, discardLogger())
	senderSink, otherSink := newRecordingSink(), newRecordingSink()
	sender := testPeer(t, senderSink, 4)
	other := testPeer(t, otherSink, 4)
	reg.Add(sender)
	reg.Add(other)

	assert.Equal(t, 1, reg.Broadcast(sender, []byte("hi")))
	require.Eventually(t, func() bool { return len(otherSink.received()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, senderSink.received())
}

func TestRegistryBroadcastPreservesPerPeerOrder(t *testing.T) {
	reg := NewRegistry(true, discardLogger())
	s := newRecordingSink()
	p := testPeer(t, s, 16)
	reg.Add(p)

	want := []string{"one", "two", "three", "four"}
	for _, msg := range want {
		reg.Broadcast(nil, []byte(msg))
	}

	require.Eventually(t, func() bool { return len(s.received()) == len(want) }, time.Second, 5*time.Millisecond)
	assert.Equal(t, want, s.received())
}

func TestRegistryDropsPeerWithFullQueue(t *testing.T) {
	reg := NewRegistry(true, discardLogger())
	stalled := newStalledSink()
	healthy := newRecordingSink()
	slow := testPeer(t, stalled, 1)
	fast := testPeer(t, healthy, 8)
	reg.Add(slow)
	reg.Add(fast)

	reg.Broadcast(nil, []byte("1"))
	select {
	case <-stalled.started:
	case <-time.After(time.Second):
		t.Fatal("write pump never picked up the first payload")
	}

	// "2" fills the one-slot queue, "3" overflows it.
	assert.Equal(t, 2, reg.Broadcast(nil, []byte("2")))
	assert.Equal(t, 1, reg.Broadcast(nil, []byte("3")))

	assert.Equal(t, []*Peer{fast}, reg.Snapshot())
	assert.True(t, stalled.isClosed())
	select {
	case <-slow.Done():
	default:
		t.Fatal("dropped peer was not closed")
	}

	require.Eventually(t, func() bool { return len(healthy.received()) == 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "2", "3"}, healthy.received())
}

func TestRegistryDropsClosedPeer(t *testing.T) {
	reg := NewRegistry(true, discardLogger())
	p := testPeer(t, newRecordingSink(), 4)
	reg.Add(p)
	p.Close()

	assert.Zero(t, reg.Broadcast(nil, []byte("x")))
	assert.Zero(t, reg.Len())
}

func TestPeerWriteFailureClosesPeer(t *testing.T) {
	s := newRecordingSink()
	s.err = errors.New("write: broken pipe")
	p := testPeer(t, s, 4)

	require.True(t, p.enqueue([]byte("x")))
	select {
	case <-p.Done():
	case <-time.After(time.Second):
		t.Fatal("peer stayed open after a failed write")
	}
	assert.True(t, s.isClosed())
	assert.False(t, p.enqueue([]byte("y")))
}

func TestPeerCloseIsIdempotent(t *testing.T) {
	s := newRecordingSink()
	p := testPeer(t, s, 4)

	assert.NotPanics(t, func() {
		p.Close()
		p.Close()
	})
	assert.True(t, s.isClosed())
	assert.NotEmpty(t, p.ID())
	assert.Equal(t, TransportTCP, p.Transport())
}
