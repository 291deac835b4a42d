package presence

import (
	"io"
	"log/slog"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{ name string }

func (c *fakeConn) Send([]byte) bool { return true }
func (c *fakeConn) Close(string)     {}

func newTestRegistry() *Registry {
	return NewRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterLookup(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{name: "c1"}

	prev := r.Register("u1", "u1@example.com", c)
	assert.Nil(t, prev)

	got, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, c, got)

	entry, ok := r.Get("u1")
	require.True(t, ok)
	assert.Equal(t, "u1@example.com", entry.Email)
	assert.False(t, entry.ConnectedAt.IsZero())

	_, ok = r.Lookup("nobody")
	assert.False(t, ok)
}

func TestRegisterLastWriteWins(t *testing.T) {
	r := newTestRegistry()
	first := &fakeConn{name: "first"}
	second := &fakeConn{name: "second"}

	r.Register("u1", "", first)
	prev := r.Register("u1", "", second)

	assert.Same(t, first, prev)
	assert.Equal(t, 1, r.Count())
	got, ok := r.Lookup("u1")
	require.True(t, ok)
	assert.Same(t, second, got)
}

func TestRegisterSameConnTwiceReportsNoPrevious(t *testing.T) {
	r := newTestRegistry()
	c := &fakeConn{}

	r.Register("u1", "", c)
	assert.Nil(t, r.Register("u1", "", c))
}

func TestUnregisterIdempotent(t *testing.T) {
	r := newTestRegistry()
	r.Register("u1", "", &fakeConn{})
	r.Register("u2", "", &fakeConn{})

	r.Unregister("u1")
	assert.Equal(t, 1, r.Count())

	r.Unregister("u1")
	assert.Equal(t, 1, r.Count())

	r.Unregister("never-registered")
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"u2"}, r.UserIDs())
}

func TestReleaseOnlyRemovesMatchingConn(t *testing.T) {
	r := newTestRegistry()
	stale := &fakeConn{name: "stale"}
	fresh := &fakeConn{name: "fresh"}

	r.Register("u1", "", stale)
	r.Register("u1", "", fresh)

	assert.False(t, r.Release("u1", stale))
	assert.True(t, r.IsOnline("u1"))

	assert.True(t, r.Release("u1", fresh))
	assert.False(t, r.IsOnline("u1"))
	assert.False(t, r.Release("u1", fresh))
}

func TestUserIDsSortedAndSnapshot(t *testing.T) {
	r := newTestRegistry()
	r.Register("carol", "", &fakeConn{})
	r.Register("alice", "", &fakeConn{})
	r.Register("bob", "", &fakeConn{})

	assert.Equal(t, []string{"alice", "bob", "carol"}, r.UserIDs())
	assert.Len(t, r.Snapshot(), 3)
}

func TestRegisterUsesClock(t *testing.T) {
	r := newTestRegistry()
	fixed := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	r.Register("u1", "", &fakeConn{})
	entry, _ := r.Get("u1")
	assert.Equal(t, fixed, entry.ConnectedAt)
}

func TestConcurrentRegisterUnregister(t *testing.T) {
	r := newTestRegistry()
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := "u" + strconv.Itoa(i%10)
			c := &fakeConn{}
			r.Register(id, "", c)
			r.Lookup(id)
			r.Release(id, c)
			r.UserIDs()
		}(i)
	}
	wg.Wait()

	for _, id := range r.UserIDs() {
		_, ok := r.Lookup(id)
		assert.True(t, ok)
	}
	assert.LessOrEqual(t, r.Count(), 10)
}
