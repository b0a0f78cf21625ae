package connections

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConn uint64

func (c testConn) ID() uint64 { return uint64(c) }

// recordingSubscriber logs every call in order.
type recordingSubscriber struct {
	mu    sync.Mutex
	calls []string
}

func (s *recordingSubscriber) Subscribe(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "subscribe:"+user)
}

func (s *recordingSubscriber) Unsubscribe(user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, "unsubscribe:"+user)
}

func (s *recordingSubscriber) recorded() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func bound(r *Registry[testConn], user string) []testConn {
	var out []testConn
	r.ForEach(user, func(c testConn) { out = append(out, c) })
	return out
}

func TestRegistry_SharedSubscription(t *testing.T) {
	subs := &recordingSubscriber{}
	r := New[testConn](subs, nil)

	r.Bind(testConn(1), "bob", nil)
	r.Bind(testConn(2), "bob", nil)
	assert.Equal(t, []string{"subscribe:bob"}, subs.recorded())
	assert.ElementsMatch(t, []testConn{1, 2}, bound(r, "bob"))

	user, ok := r.Unbind(testConn(1), nil)
	require.True(t, ok)
	assert.Equal(t, "bob", user)
	assert.Equal(t, []string{"subscribe:bob"}, subs.recorded(), "one connection remains")

	r.Unbind(testConn(2), nil)
	assert.Equal(t, []string{"subscribe:bob", "unsubscribe:bob"}, subs.recorded())
	assert.Empty(t, r.Users())
	assert.Zero(t, r.Len())
}

func TestRegistry_UnbindUnknownConnection(t *testing.T) {
	subs := &recordingSubscriber{}
	r := New[testConn](subs, nil)

	ran := false
	_, ok := r.Unbind(testConn(7), func() { ran = true })
	assert.False(t, ok)
	assert.True(t, ran)
	assert.Empty(t, subs.recorded())
}

func TestRegistry_RebindSameUser(t *testing.T) {
	subs := &recordingSubscriber{}
	r := New[testConn](subs, nil)

	r.Bind(testConn(1), "alice", nil)
	hooks := 0
	r.Bind(testConn(1), "alice", func() { hooks++ })

	assert.Equal(t, 1, hooks)
	assert.Equal(t, []string{"subscribe:alice"}, subs.recorded())
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_RebindDifferentUser(t *testing.T) {
	subs := &recordingSubscriber{}
	r := New[testConn](subs, nil)

	r.Bind(testConn(1), "alice", nil)
	r.Bind(testConn(1), "carol", nil)

	assert.Equal(t, []string{"subscribe:alice", "subscribe:carol", "unsubscribe:alice"}, subs.recorded())
	user, ok := r.Identity(testConn(1))
	require.True(t, ok)
	assert.Equal(t, "carol", user)
	assert.Empty(t, bound(r, "alice"))
	assert.Equal(t, []string{"carol"}, r.Users())
}

func TestRegistry_RebindThenUnbindReleasesNewUser(t *testing.T) {
	subs := &recordingSubscriber{}
	r := New[testConn](subs, nil)

	r.Bind(testConn(1), "alice", nil)
	r.Bind(testConn(1), "bob", nil)
	assert.Equal(t, 1, r.Len())

	user, ok := r.Unbind(testConn(1), nil)
	require.True(t, ok)
	assert.Equal(t, "bob", user)
	assert.Equal(t, []string{"subscribe:alice", "subscribe:bob", "unsubscribe:alice", "unsubscribe:bob"}, subs.recorded())
	assert.Empty(t, r.Users())
	assert.Empty(t, bound(r, "bob"))
	assert.Zero(t, r.Len())
}

func TestRegistry_RebindKeepsSharedSubscription(t *testing.T) {
	subs := &recordingSubscriber{}
	r := New[testConn](subs, nil)

	r.Bind(testConn(1), "alice", nil)
	r.Bind(testConn(2), "alice", nil)
	r.Bind(testConn(2), "bob", nil)

	assert.Equal(t, []string{"subscribe:alice", "subscribe:bob"}, subs.recorded())
	assert.Equal(t, []testConn{1}, bound(r, "alice"))
}

func TestRegistry_ForEachOnlyVisitsUser(t *testing.T) {
	r := New[testConn](&recordingSubscriber{}, nil)
	r.Bind(testConn(1), "alice", nil)
	r.Bind(testConn(2), "alice", nil)
	r.Bind(testConn(3), "bob", nil)

	var seen []testConn
	r.ForEach("alice", func(c testConn) { seen = append(seen, c) })
	assert.ElementsMatch(t, []testConn{1, 2}, seen)

	seen = nil
	r.ForEach("nobody", func(c testConn) { seen = append(seen, c) })
	assert.Empty(t, seen)
}

func TestRegistry_ConcurrentBindUnbind(t *testing.T) {
	subs := &recordingSubscriber{}
	r := New[testConn](subs, nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(id uint64) {
			defer wg.Done()
			r.Bind(testConn(id), "bob", nil)
			r.Unbind(testConn(id), nil)
		}(uint64(i))
	}
	wg.Wait()

	calls := subs.recorded()
	require.NotEmpty(t, calls)
	assert.Equal(t, "subscribe:bob", calls[0])
	assert.Equal(t, "unsubscribe:bob", calls[len(calls)-1])
	for i := 1; i < len(calls); i++ {
		assert.NotEqual(t, calls[i-1], calls[i], "subscribe and unsubscribe must alternate")
	}
	assert.Zero(t, r.Len())
}
