package inject

import (
	"context"
	"testing"

	"github.com/emersion/go-imap"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/mailstore/internal/mailbox"
	"github.com/vdavid/mailstore/internal/mime"
	"github.com/vdavid/mailstore/internal/testutil"
)

func newTestRuntime(t *testing.T) (*Runtime, *pgxpool.Pool, *mailbox.Registry) {
	t.Helper()
	pool := testutil.NewTestDB(t)
	registry := mailbox.NewRegistry()
	return NewRuntime(pool, registry, nil), pool, registry
}

func createMailbox(t *testing.T, pool *pgxpool.Pool, registry *mailbox.Registry, name string) *mailbox.Mailbox {
	t.Helper()
	mb, err := registry.Create(context.Background(), pool, name)
	require.NoError(t, err)
	return mb
}

func TestInjectSimpleMessage(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")

	m := mime.Parse([]byte(testutil.SimpleMessage))
	require.True(t, m.Valid())

	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	require.NoError(t, inj.Execute(ctx))

	assert.True(t, inj.Done())
	assert.False(t, inj.Failed())
	assert.Equal(t, 1, inj.UID(inbox.ID))
	assert.Equal(t, int64(1), inj.ModSeq(inbox.ID))
	assert.NotZero(t, inj.MessageID())

	var rfc822size int
	err := pool.QueryRow(ctx,
		`SELECT rfc822size FROM messages WHERE id = $1`, inj.MessageID()).Scan(&rfc822size)
	require.NoError(t, err)
	assert.Equal(t, len(testutil.SimpleMessage), rfc822size)

	var uidnext int
	var nextmodseq int64
	err = pool.QueryRow(ctx,
		`SELECT uidnext, nextmodseq FROM mailboxes WHERE id = $1`, inbox.ID).Scan(&uidnext, &nextmodseq)
	require.NoError(t, err)
	assert.Equal(t, 2, uidnext)
	assert.Equal(t, int64(2), nextmodseq)
	assert.Equal(t, 2, inbox.UIDNext())

	// subject is stored with its seeded field id, in header order
	var value string
	err = pool.QueryRow(ctx,
		`SELECT value FROM header_fields WHERE message = $1 AND part = '' AND field = $2`,
		inj.MessageID(), int(mime.Subject)).Scan(&value)
	require.NoError(t, err)
	assert.Equal(t, "Hello", value)

	// From and To land in address_fields, not header_fields
	var addressRows int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM address_fields WHERE message = $1`, inj.MessageID()).Scan(&addressRows)
	require.NoError(t, err)
	assert.Equal(t, 2, addressRows)

	// the top-level Date goes to date_fields only
	var dateRows int
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM date_fields WHERE message = $1`, inj.MessageID()).Scan(&dateRows)
	require.NoError(t, err)
	assert.Equal(t, 1, dateRows)
	err = pool.QueryRow(ctx,
		`SELECT count(*) FROM header_fields WHERE message = $1 AND field = $2`,
		inj.MessageID(), int(mime.Date)).Scan(&dateRows)
	require.NoError(t, err)
	assert.Equal(t, 0, dateRows)
}

func TestInjectIntoMultipleMailboxes(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")
	archive := createMailbox(t, pool, registry, "bob/Archive")

	m := mime.Parse([]byte(testutil.SimpleMessage))
	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox, archive})
	require.NoError(t, inj.Execute(ctx))

	var count int
	err := pool.QueryRow(ctx,
		`SELECT count(*) FROM mailbox_messages WHERE message = $1`, inj.MessageID()).Scan(&count)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.Equal(t, 1, inj.UID(inbox.ID))
	assert.Equal(t, 1, inj.UID(archive.ID))
}

func TestInjectFlagsAndAnnotations(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")

	m := mime.Parse([]byte(testutil.SimpleMessage))
	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	// \seen duplicates \Seen case-insensitively and must be dropped
	inj.SetFlags([]string{imap.SeenFlag, imap.FlaggedFlag, "\\seen"})
	inj.SetAnnotations([]Annotation{
		{Name: "/comment", Value: "first"},
		{Name: "/comment", Value: "second"},
		{Name: "/altsubject", Value: "other", Owner: 7},
	})
	require.NoError(t, inj.Execute(ctx))

	var flagCount int
	err := pool.QueryRow(ctx,
		`SELECT count(*) FROM flags WHERE mailbox = $1 AND uid = $2`,
		inbox.ID, inj.UID(inbox.ID)).Scan(&flagCount)
	require.NoError(t, err)
	assert.Equal(t, 2, flagCount)

	var value string
	err = pool.QueryRow(ctx,
		`SELECT a.value FROM annotations a
		 JOIN annotation_names n ON n.id = a.name
		 WHERE a.mailbox = $1 AND a.uid = $2 AND n.name = '/comment'`,
		inbox.ID, inj.UID(inbox.ID)).Scan(&value)
	require.NoError(t, err)
	assert.Equal(t, "second", value)

	var owner int
	err = pool.QueryRow(ctx,
		`SELECT a.owner FROM annotations a
		 JOIN annotation_names n ON n.id = a.name
		 WHERE a.mailbox = $1 AND a.uid = $2 AND n.name = '/altsubject'`,
		inbox.ID, inj.UID(inbox.ID)).Scan(&owner)
	require.NoError(t, err)
	assert.Equal(t, 7, owner)
}

func TestInjectDeduplicatesBodyparts(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")

	for i := 0; i < 2; i++ {
		m := mime.Parse([]byte(testutil.SimpleMessage))
		inj := New(rt, m)
		inj.SetMailboxes([]*mailbox.Mailbox{inbox})
		require.NoError(t, inj.Execute(ctx))
	}

	var bodyparts int
	err := pool.QueryRow(ctx, `SELECT count(*) FROM bodyparts`).Scan(&bodyparts)
	require.NoError(t, err)
	assert.Equal(t, 1, bodyparts)

	var messages int
	err = pool.QueryRow(ctx, `SELECT count(*) FROM messages`).Scan(&messages)
	require.NoError(t, err)
	assert.Equal(t, 2, messages)

	assert.Equal(t, int64(2), rt.MessagesInjected())
}

func TestInjectMultipartMessage(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")

	m := mime.Parse([]byte(testutil.MultipartMessage))
	require.True(t, m.Valid())
	require.True(t, m.Multipart())

	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	require.NoError(t, inj.Execute(ctx))

	// the root row plus one row per leaf part
	var parts int
	err := pool.QueryRow(ctx,
		`SELECT count(*) FROM part_numbers WHERE message = $1`, inj.MessageID()).Scan(&parts)
	require.NoError(t, err)
	assert.Equal(t, 3, parts)

	var rootBodypart *int
	err = pool.QueryRow(ctx,
		`SELECT bodypart FROM part_numbers WHERE message = $1 AND part = ''`,
		inj.MessageID()).Scan(&rootBodypart)
	require.NoError(t, err)
	assert.Nil(t, rootBodypart)

	// the html part stores both the stripped text and the raw markup
	var text string
	var data []byte
	err = pool.QueryRow(ctx,
		`SELECT b.text, b.data FROM part_numbers p
		 JOIN bodyparts b ON b.id = p.bodypart
		 WHERE p.message = $1 AND p.part = '2'`, inj.MessageID()).Scan(&text, &data)
	require.NoError(t, err)
	assert.Contains(t, text, "Hello in")
	assert.Contains(t, string(data), "<b>HTML</b>")
}

func TestInjectNestedMessageParts(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")

	raw := "From: alice@example.com\r\n" +
		"Subject: forwarded\r\n" +
		"Mime-Version: 1.0\r\n" +
		"Content-Type: multipart/mixed; boundary=\"fwd\"\r\n" +
		"\r\n" +
		"--fwd\r\n" +
		"Content-Type: text/plain\r\n" +
		"\r\n" +
		"See attached.\r\n" +
		"--fwd\r\n" +
		"Content-Type: message/rfc822\r\n" +
		"\r\n" +
		"From: carol@example.org\r\n" +
		"Subject: the inner one\r\n" +
		"\r\n" +
		"Inner body.\r\n" +
		"--fwd--\r\n"
	m := mime.Parse([]byte(raw))
	require.True(t, m.Valid())

	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	require.NoError(t, inj.Execute(ctx))

	// the nested message contributes an extra <part>.rfc822 row
	rows, err := pool.Query(ctx,
		`SELECT part FROM part_numbers WHERE message = $1 ORDER BY part`, inj.MessageID())
	require.NoError(t, err)
	defer rows.Close()
	var parts []string
	for rows.Next() {
		var p string
		require.NoError(t, rows.Scan(&p))
		parts = append(parts, p)
	}
	require.NoError(t, rows.Err())
	assert.Equal(t, []string{"", "1", "2", "2.1", "2.rfc822"}, parts)

	// the nested message's header is stored under 2.rfc822
	var subject string
	err = pool.QueryRow(ctx,
		`SELECT value FROM header_fields
		 WHERE message = $1 AND part = '2.rfc822' AND field = $2`,
		inj.MessageID(), int(mime.Subject)).Scan(&subject)
	require.NoError(t, err)
	assert.Equal(t, "the inner one", subject)
}

func TestInjectDeliverySpool(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")

	m := mime.Parse([]byte(testutil.SimpleMessage))
	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	inj.SetSender(&mime.Address{Localpart: "alice", Domain: "example.com"})
	inj.SetDeliveryAddresses([]*mime.Address{
		{Localpart: "dave", Domain: "elsewhere.example"},
		{Localpart: "erin", Domain: "elsewhere.example"},
	})
	require.NoError(t, inj.Execute(ctx))

	var recipients int
	var hours float64
	err := pool.QueryRow(ctx,
		`SELECT count(*), max(extract(epoch FROM d.expires_at - d.injected_at)) / 3600
		 FROM deliveries d JOIN delivery_recipients dr ON dr.delivery = d.id
		 WHERE d.message = $1`, inj.MessageID()).Scan(&recipients, &hours)
	require.NoError(t, err)
	assert.Equal(t, 2, recipients)
	assert.InDelta(t, 48, hours, 0.1)
}

func TestInjectWrappedMessage(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")

	raw := []byte("this is not a mail message at all")
	m := mime.WrapUnparsable(raw, "no header found")
	require.True(t, m.Valid())

	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	inj.SetWrapped(true)
	require.NoError(t, inj.Execute(ctx))

	var stored []byte
	err := pool.QueryRow(ctx,
		`SELECT b.data FROM unparsed_messages u JOIN bodyparts b ON b.id = u.bodypart`).Scan(&stored)
	require.NoError(t, err)
	assert.Equal(t, raw, stored)
}

func TestInjectSessionAnnouncement(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")
	session := inbox.NewSession()
	defer session.Close()

	m := mime.Parse([]byte(testutil.SimpleMessage))
	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	require.NoError(t, inj.Execute(ctx))

	uid := uint32(inj.UID(inbox.ID))
	assert.True(t, session.IsRecent(uid))
	assert.Equal(t, []uint32{uid}, session.TakeUnannounced())

	// the live session claimed \Recent, so first_recent moved past the uid
	var firstRecent int
	err := pool.QueryRow(ctx,
		`SELECT first_recent FROM mailboxes WHERE id = $1`, inbox.ID).Scan(&firstRecent)
	require.NoError(t, err)
	assert.Equal(t, int(uid)+1, firstRecent)
}

func TestInjectInvalidInput(t *testing.T) {
	ctx := context.Background()
	rt, _, _ := newTestRuntime(t)

	m := &mime.Message{}
	m.SetErr(assert.AnError)

	inj := New(rt, m)
	err := inj.Execute(ctx)
	require.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, inj.Failed())
	assert.Equal(t, int64(1), rt.InjectionErrors())
}

func TestInjectExecuteTwice(t *testing.T) {
	ctx := context.Background()
	rt, pool, registry := newTestRuntime(t)
	inbox := createMailbox(t, pool, registry, "bob/INBOX")

	m := mime.Parse([]byte(testutil.SimpleMessage))
	inj := New(rt, m)
	inj.SetMailboxes([]*mailbox.Mailbox{inbox})
	require.NoError(t, inj.Execute(ctx))
	require.Error(t, inj.Execute(ctx))
}
