package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/asr-stream-gateway/internal/broadcast"
)

func newRegistrySession(t *testing.T, id, group, role string) *Session {
	t.Helper()
	s, err := newSession(context.Background(), id, group, role, &Pipeline{Name: PipelineASR, Stride: 10}, &fakeConn{})
	require.NoError(t, err)
	t.Cleanup(func() { s.terminate() })
	return s
}

func TestRegistryRegisterAndLookup(t *testing.T) {
	r := NewRegistry(0)
	s := newRegistrySession(t, "s1", "g1", "")

	require.NoError(t, r.Register(s))
	assert.ErrorIs(t, r.Register(newRegistrySession(t, "s1", "", "")), ErrDuplicateSession)

	got, err := r.Lookup("s1")
	require.NoError(t, err)
	assert.Same(t, s, got)
	assert.Equal(t, Idle, got.State())

	_, err = r.Lookup("missing")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestRegistryUnregisterIsIdempotent(t *testing.T) {
	r := NewRegistry(0)
	s := newRegistrySession(t, "s1", "g1", "")
	require.NoError(t, r.Register(s))

	assert.Same(t, s, r.Unregister("s1"))
	assert.Nil(t, r.Unregister("s1"))
	assert.Nil(t, r.Unregister("other"))

	assert.Equal(t, Terminated, s.State())
	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.GroupCount())
	assert.Empty(t, r.Members("g1"))
}

func TestRegistryGroupIndex(t *testing.T) {
	r := NewRegistry(0)
	require.NoError(t, r.Register(newRegistrySession(t, "b", "g1", broadcast.RoleMonitor)))
	require.NoError(t, r.Register(newRegistrySession(t, "a", "g1", "")))
	require.NoError(t, r.Register(newRegistrySession(t, "c", "g2", "")))
	require.NoError(t, r.Register(newRegistrySession(t, "d", "", "")))

	members := r.Members("g1")
	require.Len(t, members, 2)
	assert.Equal(t, "a", members[0].ID)
	assert.Equal(t, "b", members[1].ID)
	assert.True(t, members[1].IsMonitor())

	assert.Len(t, r.Group("g2"), 1)
	assert.Empty(t, r.Members(""))
	assert.Equal(t, 2, r.GroupCount())
	assert.Len(t, r.List(), 4)

	// a snapshot is not affected by later membership changes
	r.Unregister("a")
	assert.Len(t, members, 2)
	assert.Len(t, r.Members("g1"), 1)
}

func TestRegistryConcurrentAccess(t *testing.T) {
	r := NewRegistry(0)
	var wg sync.WaitGroup

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("s%d", i)
			s, err := newSession(context.Background(), id, fmt.Sprintf("g%d", i%3), "", &Pipeline{Name: PipelineASR, Stride: 10}, &fakeConn{})
			if !assert.NoError(t, err) {
				return
			}
			assert.NoError(t, r.Register(s))
			r.Members(s.GroupID)
			_, err = r.Lookup(id)
			assert.NoError(t, err)
			r.Unregister(id)
			r.Unregister(id)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, r.Count())
	assert.Equal(t, 0, r.GroupCount())
}

func TestRegistryLimitHoldsUnderConcurrentRegister(t *testing.T) {
	const limit = 5
	r := NewRegistry(limit)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
		rejected int
	)

	for i := 0; i < 32; i++ {
		s := newRegistrySession(t, fmt.Sprintf("s%d", i), "g1", "")
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Register(s)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				accepted++
			case errors.Is(err, ErrTooManySessions):
				rejected++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, limit, accepted)
	assert.Equal(t, 32-limit, rejected)
	assert.Equal(t, limit, r.Count())
	assert.Len(t, r.Members("g1"), limit)

	// a freed slot can be reused
	r.Unregister(r.List()[0].ID)
	assert.NoError(t, r.Register(newRegistrySession(t, "late", "", "")))
}
