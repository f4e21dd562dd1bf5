package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/diagnovision/internal/domain/session"
)

func TestRegistryOpenGetClose(t *testing.T) {
	r := NewRegistry(Deps{Auth: newFakeAuth(), Profiles: newFakeProfiles()})
	defer r.CloseAll()

	var closed []string
	r.OnClose(func(id string) { closed = append(closed, id) })

	id, st := r.Open()
	require.NotEmpty(t, id)
	got, ok := r.Get(id)
	require.True(t, ok)
	assert.Same(t, st, got)
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Close(id))
	assert.False(t, r.Close(id))
	_, ok = r.Get(id)
	assert.False(t, ok)
	assert.Equal(t, []string{id}, closed)

	_, err := st.SignIn(context.Background(), "p@example.com", "pw")
	assert.ErrorIs(t, err, domain.ErrSessionClosed)
}

func TestRegistrySweepClosesIdleSessions(t *testing.T) {
	r := NewRegistry(Deps{Auth: newFakeAuth(), Profiles: newFakeProfiles()})
	defer r.CloseAll()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	idle, _ := r.Open()
	now = now.Add(20 * time.Minute)
	fresh, _ := r.Open()

	assert.Equal(t, 1, r.Sweep(10*time.Minute))
	_, ok := r.Get(idle)
	assert.False(t, ok)
	_, ok = r.Get(fresh)
	assert.True(t, ok)
}

func TestRegistryGetRefreshesLastSeen(t *testing.T) {
	r := NewRegistry(Deps{Auth: newFakeAuth(), Profiles: newFakeProfiles()})
	defer r.CloseAll()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	id, _ := r.Open()
	now = now.Add(9 * time.Minute)
	_, _ = r.Get(id)
	now = now.Add(9 * time.Minute)

	assert.Zero(t, r.Sweep(10*time.Minute))
	assert.Equal(t, 1, r.Len())
}

func TestRegistryTouchRefreshesLastSeen(t *testing.T) {
	r := NewRegistry(Deps{Auth: newFakeAuth(), Profiles: newFakeProfiles()})
	defer r.CloseAll()

	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	id, _ := r.Open()
	for i := 0; i < 3; i++ {
		now = now.Add(9 * time.Minute)
		require.True(t, r.Touch(id))
	}
	now = now.Add(9 * time.Minute)
	assert.Zero(t, r.Sweep(10*time.Minute))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, r.Sweep(10*time.Minute))
	assert.False(t, r.Touch(id))
}
