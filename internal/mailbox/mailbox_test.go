package mailbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailstore/internal/testutil"
)

func TestRegistryCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestDB(t)

	r := NewRegistry()
	m, err := r.Create(ctx, pool, "alice/INBOX")
	require.NoError(t, err)
	assert.Equal(t, "alice/INBOX", m.Name)
	assert.Equal(t, 1, m.UIDNext())
	assert.Equal(t, int64(1), m.NextModSeq())

	// creating the same name again returns the cached entry
	again, err := r.Create(ctx, pool, "alice/INBOX")
	require.NoError(t, err)
	assert.Same(t, m, again)

	// a fresh registry sees the row through Load
	fresh := NewRegistry()
	require.NoError(t, fresh.Load(ctx, pool))
	loaded := fresh.ByName("alice/INBOX")
	require.NotNil(t, loaded)
	assert.Equal(t, m.ID, loaded.ID)
	assert.Same(t, loaded, fresh.ByID(m.ID))
	assert.Len(t, fresh.All(), 1)
}

func TestRegistryCreateRaces(t *testing.T) {
	ctx := context.Background()
	pool := testutil.NewTestDB(t)

	// two registries standing in for two processes create the same name
	a := NewRegistry()
	b := NewRegistry()
	ma, err := a.Create(ctx, pool, "bob/INBOX")
	require.NoError(t, err)
	mb, err := b.Create(ctx, pool, "bob/INBOX")
	require.NoError(t, err)
	assert.Equal(t, ma.ID, mb.ID)
}

func TestMailboxUpdateIsMonotonic(t *testing.T) {
	m := &Mailbox{uidnext: 5, nextModSeq: 9}
	m.Update(7, 11)
	assert.Equal(t, 7, m.UIDNext())
	assert.Equal(t, int64(11), m.NextModSeq())

	// stale values cannot move the mailbox backwards
	m.Update(3, 2)
	assert.Equal(t, 7, m.UIDNext())
	assert.Equal(t, int64(11), m.NextModSeq())
}

func TestRegistryApply(t *testing.T) {
	r := NewRegistry()
	r.add(&Mailbox{ID: 1, Name: "carol/INBOX", uidnext: 2, nextModSeq: 2})

	r.Apply("carol/INBOX", 6, 4)
	m := r.ByName("carol/INBOX")
	assert.Equal(t, 6, m.UIDNext())
	assert.Equal(t, int64(4), m.NextModSeq())

	// unknown names are ignored rather than invented
	r.Apply("nobody/INBOX", 10, 10)
	assert.Nil(t, r.ByName("nobody/INBOX"))
}

func TestSessionLifecycle(t *testing.T) {
	m := &Mailbox{ID: 1, Name: "dave/INBOX"}
	assert.False(t, m.HasSessions())

	s := m.NewSession()
	assert.True(t, m.HasSessions())
	assert.Same(t, m, s.Mailbox())
	require.Len(t, m.Sessions(), 1)

	s2 := m.NewSession()
	require.Len(t, m.Sessions(), 2)

	s.Close()
	require.Len(t, m.Sessions(), 1)
	assert.Same(t, s2, m.Sessions()[0])
	s2.Close()
	assert.False(t, m.HasSessions())
}

func TestSessionRecentAndUnannounced(t *testing.T) {
	m := &Mailbox{}
	s := m.NewSession()

	assert.False(t, s.IsRecent(4))
	s.AddRecent(4)
	assert.True(t, s.IsRecent(4))
	assert.False(t, s.IsRecent(5))

	s.AddUnannounced(4)
	s.AddUnannounced(5)
	assert.Equal(t, []uint32{4, 5}, s.TakeUnannounced())
	assert.Empty(t, s.TakeUnannounced())
}
