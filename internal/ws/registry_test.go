package ws

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatroom-service/internal/identity"
)

func TestRegistryLifecycle(t *testing.T) {
	r := NewRegistry()
	out := newRecorder()

	sess, err := r.Register(Registration{ID: "s1", Out: out})
	require.NoError(t, err)
	assert.Equal(t, StateConnected, sess.State)
	assert.False(t, sess.Info.ConnectedAt.IsZero())

	_, err = r.Register(Registration{ID: "s1", Out: out})
	assert.ErrorIs(t, err, ErrDuplicateSession)

	assert.ErrorIs(t, r.Subscribe("s1", 42), ErrNotAuthenticated)
	assert.Empty(t, r.SessionsFor(42))

	sess, err = r.Authenticate("s1", identity.Identity{UserID: 7, Username: "ana"})
	require.NoError(t, err)
	assert.Equal(t, StateAuthenticated, sess.State)
	assert.Equal(t, 7, sess.Info.UserID)

	_, err = r.Authenticate("s1", identity.Identity{UserID: 7})
	assert.ErrorIs(t, err, ErrAlreadyAuthenticated)
	_, err = r.Authenticate("missing", identity.Identity{UserID: 7})
	assert.ErrorIs(t, err, ErrUnknownSession)

	require.NoError(t, r.Subscribe("s1", 42))
	require.NoError(t, r.Subscribe("s1", 42))
	require.NoError(t, r.Subscribe("s1", 7))
	assert.True(t, r.IsSubscribed("s1", 42))

	got := r.SessionsFor(42)
	require.Len(t, got, 1)
	assert.Equal(t, []int{7, 42}, got[0].Subscriptions)
	require.NoError(t, got[0].Send([]byte("x")))
	assert.Len(t, out.raw(), 1)

	r.Unsubscribe("s1", 7)
	assert.False(t, r.IsSubscribed("s1", 7))
	assert.Empty(t, r.SessionsFor(7))
	assert.Len(t, r.SessionsForUser(7), 1)
}

func TestRegistryRemoveIsIdempotent(t *testing.T) {
	r := NewRegistry()
	_, err := r.Register(Registration{ID: "s1", Out: newRecorder()})
	require.NoError(t, err)
	_, err = r.Authenticate("s1", identity.Identity{UserID: 7})
	require.NoError(t, err)
	require.NoError(t, r.Subscribe("s1", 42))

	final, ok := r.Remove("s1")
	require.True(t, ok)
	assert.Equal(t, StateClosed, final.State)
	assert.Equal(t, []int{42}, final.Subscriptions)

	_, ok = r.Remove("s1")
	assert.False(t, ok)

	assert.Empty(t, r.SessionsFor(42))
	assert.Empty(t, r.SessionsForUser(7))
	assert.False(t, r.IsSubscribed("s1", 42))
	assert.Zero(t, r.Count())
	_, ok = r.Get("s1")
	assert.False(t, ok)
	assert.ErrorIs(t, r.Subscribe("s1", 42), ErrUnknownSession)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := string(rune('a'+i%26)) + string(rune('A'+i/26))
			if _, err := r.Register(Registration{ID: id, Out: newRecorder()}); err != nil {
				return
			}
			_, _ = r.Authenticate(id, identity.Identity{UserID: i + 1})
			_ = r.Subscribe(id, 42)
			_ = r.SessionsFor(42)
			if i%2 == 0 {
				r.Remove(id)
			}
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.SessionsFor(42), 25)
	assert.Equal(t, 25, r.Count())
}

func TestSessionSendWithoutConnection(t *testing.T) {
	assert.ErrorIs(t, Session{}.Send([]byte("x")), ErrSessionClosed)
}
