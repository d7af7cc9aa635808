package live

import (
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var connSeq atomic.Int64

type fakeConn struct {
	id string

	mu       sync.Mutex
	closed   bool
	sendErr  error
	received [][]byte
}

func newFakeConn() *fakeConn {
	return &fakeConn{id: "conn-" + strconv.FormatInt(connSeq.Add(1), 10)}
}

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Open() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *fakeConn) Send(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	c.received = append(c.received, append([]byte(nil), payload...))
	return nil
}

func (c *fakeConn) close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *fakeConn) failWith(err error) {
	c.mu.Lock()
	c.sendErr = err
	c.mu.Unlock()
}

func (c *fakeConn) frames() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.received...)
}

func (c *fakeConn) events(t *testing.T) []Event {
	t.Helper()
	var out []Event
	for _, frame := range c.frames() {
		var ev Event
		require.NoError(t, json.Unmarshal(frame, &ev))
		out = append(out, ev)
	}
	return out
}

type countingRecorder struct {
	mu        sync.Mutex
	delivered map[string]int
	failed    map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{delivered: map[string]int{}, failed: map[string]int{}}
}

func (r *countingRecorder) RecordLiveDelivery(channel string) {
	r.mu.Lock()
	r.delivered[channel]++
	r.mu.Unlock()
}

func (r *countingRecorder) RecordLiveDeliveryFailure(channel, reason string) {
	r.mu.Lock()
	r.failed[channel+"/"+reason]++
	r.mu.Unlock()
}

func TestParseProjectKey(t *testing.T) {
	key, err := ParseProjectKey("42")
	require.NoError(t, err)
	assert.Equal(t, ProjectKey(42), key)

	for _, raw := range []string{"", "abc", "0", "-3", "1.5", "99999999999999999999"} {
		_, err := ParseProjectKey(raw)
		assert.ErrorIs(t, err, ErrInvalidKey, "input %q", raw)
	}
}

func TestRegistry_RoundTrip(t *testing.T) {
	reg := NewRegistry[ProjectKey]()
	h := newFakeConn()

	assert.True(t, reg.Register(42, h))
	assert.True(t, reg.Contains(42, h))
	assert.Len(t, reg.Lookup(42), 1)

	assert.True(t, reg.Deregister(42, h))
	assert.False(t, reg.Contains(42, h))
	assert.Empty(t, reg.Lookup(42))

	keys, conns := reg.Size()
	assert.Zero(t, keys, "empty entries are pruned")
	assert.Zero(t, conns)
}

func TestRegistry_Idempotence(t *testing.T) {
	reg := NewRegistry[ProjectKey]()
	h := newFakeConn()

	assert.True(t, reg.Register(1, h))
	assert.False(t, reg.Register(1, h))
	assert.Equal(t, 1, reg.Count(1))

	assert.False(t, reg.Deregister(2, h), "deregistering an unknown key is a no-op")
	assert.True(t, reg.Deregister(1, h))
	assert.False(t, reg.Deregister(1, h), "second deregister is a no-op")
	assert.False(t, reg.Register(1, nil))
}

func TestRegistry_IsolationAcrossKeys(t *testing.T) {
	reg := NewRegistryWithShards[ProjectKey](1)
	h := newFakeConn()

	reg.Register(1, h)
	assert.Empty(t, reg.Lookup(2))
	assert.False(t, reg.Contains(2, h))

	other := newFakeConn()
	reg.Register(2, other)
	assert.ElementsMatch(t, []Conn{h}, reg.Lookup(1))
	assert.ElementsMatch(t, []Conn{other}, reg.Lookup(2))
}

func TestRegistry_LookupIsSnapshot(t *testing.T) {
	reg := NewRegistry[UserKey]()
	a, b := newFakeConn(), newFakeConn()
	reg.Register(7, a)

	snapshot := reg.Lookup(7)
	reg.Register(7, b)
	reg.Deregister(7, a)

	assert.ElementsMatch(t, []Conn{a}, snapshot)
	assert.ElementsMatch(t, []Conn{b}, reg.Lookup(7))
}

func TestBroadcaster_FanOutCompleteness(t *testing.T) {
	reg := NewRegistry[ProjectKey]()
	rec := newCountingRecorder()
	b := NewBroadcaster(ChannelProject, reg, nil, rec)

	const n = 10
	conns := make([]*fakeConn, n)
	for i := range conns {
		conns[i] = newFakeConn()
		reg.Register(5, conns[i])
	}
	conns[0].close()
	conns[1].failWith(ErrSendBufferFull)
	conns[2].failWith(errors.New("broken pipe"))

	delivered := b.Broadcast(5, []byte(`{"type":"task_update"}`), nil)
	assert.Equal(t, n-3, delivered)

	for i, c := range conns {
		if i < 3 {
			assert.Empty(t, c.frames(), "faulty conn %d", i)
			continue
		}
		assert.Len(t, c.frames(), 1, "healthy conn %d", i)
	}

	assert.Equal(t, n-3, rec.delivered[ChannelProject])
	assert.Equal(t, 1, rec.failed[ChannelProject+"/"+ReasonClosed])
	assert.Equal(t, 1, rec.failed[ChannelProject+"/"+ReasonBufferFull])
	assert.Equal(t, 1, rec.failed[ChannelProject+"/"+ReasonError])
}

func TestBroadcaster_SelfExclusion(t *testing.T) {
	reg := NewRegistry[ProjectKey]()
	b := NewBroadcaster[ProjectKey](ChannelProject, reg, nil, nil)
	sender, other := newFakeConn(), newFakeConn()
	reg.Register(3, sender)
	reg.Register(3, other)

	assert.Equal(t, 1, b.Broadcast(3, []byte("hi"), sender))
	assert.Empty(t, sender.frames())
	assert.Len(t, other.frames(), 1)
}

func TestBroadcaster_UnknownKey(t *testing.T) {
	b := NewBroadcaster[ProjectKey](ChannelProject, NewRegistry[ProjectKey](), nil, nil)
	assert.Zero(t, b.Broadcast(99, []byte("x"), nil))
}

func TestHub_ProjectScenario(t *testing.T) {
	hub := NewHub(nil, nil)
	h1, h2, h3 := newFakeConn(), newFakeConn(), newFakeConn()
	s1 := hub.JoinProject(h1, 1, 42)
	s2 := hub.JoinProject(h2, 2, 42)
	s3 := hub.JoinProject(h3, 3, 42)
	defer s1.Leave()
	defer s3.Leave()

	assert.Equal(t, 3, hub.BroadcastProject(42, TaskCreated(7, nil)))
	for _, c := range []*fakeConn{h1, h2, h3} {
		evs := c.events(t)
		require.Len(t, evs, 1)
		assert.Equal(t, TypeTaskUpdate, evs[0].Type)
		assert.Equal(t, KindCreated, evs[0].Kind)
		assert.Equal(t, int64(7), evs[0].ID)
	}

	s2.Leave()
	assert.Equal(t, 2, hub.BroadcastProject(42, TaskUpdated(7, nil)))

	assert.Len(t, h1.events(t), 2)
	assert.Len(t, h2.events(t), 1)
	assert.Len(t, h3.events(t), 2)
	assert.Equal(t, KindUpdated, h3.events(t)[1].Kind)
}

func TestHub_SendToUserReachesEveryTab(t *testing.T) {
	hub := NewHub(nil, nil)
	tabA, tabB, stranger := newFakeConn(), newFakeConn(), newFakeConn()
	hub.JoinProject(tabA, 10, 1)
	hub.JoinUser(tabB, 10)
	hub.JoinUser(stranger, 11)

	assert.Equal(t, 2, hub.SendToUser(10, Notification(KindTaskAssignment, 5, "assigned")))
	assert.Len(t, tabA.frames(), 1)
	assert.Len(t, tabB.frames(), 1)
	assert.Empty(t, stranger.frames())
	assert.Equal(t, 2, hub.UserConnections(10))
}

func TestSubscription_RelayAndLeave(t *testing.T) {
	hub := NewHub(nil, nil)
	sender, watcher := newFakeConn(), newFakeConn()
	sub := hub.JoinProject(sender, 1, 9)
	hub.JoinProject(watcher, 2, 9)

	payload, err := Relay(9, []byte(`{"cursor":3}`)).Encode()
	require.NoError(t, err)
	assert.Equal(t, 1, sub.Relay(payload))
	assert.Empty(t, sender.frames())

	evs := watcher.events(t)
	require.Len(t, evs, 1)
	assert.Equal(t, TypeRelay, evs[0].Type)
	assert.Equal(t, map[string]any{"cursor": float64(3)}, evs[0].Data)

	sub.Leave()
	sub.Leave()
	assert.Equal(t, 1, hub.ProjectWatchers(9))
	assert.Zero(t, hub.UserConnections(1))

	userOnly := hub.JoinUser(newFakeConn(), 3)
	assert.Zero(t, userOnly.Relay(payload))
}

func TestRelay_NonJSONCarriedAsString(t *testing.T) {
	ev := Relay(1, []byte("plain text"))
	assert.Equal(t, "plain text", ev.Data)
}

func TestTaskDeleted_Encoding(t *testing.T) {
	raw, err := TaskDeleted(9).Encode()
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TypeTaskUpdate, decoded["type"])
	assert.Equal(t, KindDeleted, decoded["kind"])
	assert.Equal(t, float64(9), decoded["id"])
	assert.NotContains(t, decoded, "data")
}

func TestHub_Stats(t *testing.T) {
	hub := NewHub(nil, nil)
	hub.JoinProject(newFakeConn(), 1, 100)
	hub.JoinProject(newFakeConn(), 1, 200)
	hub.JoinUser(newFakeConn(), 2)

	stats := hub.Stats()
	assert.Equal(t, 2, stats.Projects)
	assert.Equal(t, 2, stats.ProjectConnections)
	assert.Equal(t, 2, stats.Users)
	assert.Equal(t, 3, stats.UserConnections)
}

func TestRegistry_ConcurrentChurn(t *testing.T) {
	hub := NewHub(nil, nil)
	const (
		workers = 32
		rounds  = 200
	)

	stable := make([]*fakeConn, 8)
	for i := range stable {
		stable[i] = newFakeConn()
		hub.JoinProject(stable[i], UserKey(i+1), 1)
	}

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				c := newFakeConn()
				sub := hub.JoinProject(c, UserKey(1000+w), ProjectKey(1+r%3))
				hub.BroadcastProject(1, TaskUpdated(int64(r), nil))
				if r%2 == 0 {
					sub.Leave()
				} else {
					sub.Leave()
					sub.Leave()
				}
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, len(stable), hub.ProjectWatchers(1))
	assert.Zero(t, hub.ProjectWatchers(2))
	assert.Zero(t, hub.ProjectWatchers(3))

	// Every broadcast reaches a stable watcher exactly once.
	for _, c := range stable {
		assert.Len(t, c.frames(), workers*rounds)
	}
}
