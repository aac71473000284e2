// Package notify distributes mailbox changes between processes sharing one
// database, using Postgres LISTEN/NOTIFY. A committed injection announces
// the mailbox's new uidnext and nextmodseq; every other process folds the
// values into its registry and wakes its own sessions.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailstore/internal/mailbox"
)

// Channel is the pg_notify channel all mailstore processes share.
const Channel = "mailstore_updates"

// Event is one parsed mailbox change notification. Zero values mean the
// sender omitted the key because it had not changed.
type Event struct {
	Mailbox    string
	UIDNext    int
	NextModSeq int64
}

// Payload renders the wire form: mailbox <quoted-name> uidnext=<n>
// nextmodseq=<m>, with unchanged keys left out.
func (e Event) Payload() string {
	var b strings.Builder
	b.WriteString("mailbox ")
	b.WriteString(strconv.Quote(e.Mailbox))
	if e.UIDNext > 0 {
		fmt.Fprintf(&b, " uidnext=%d", e.UIDNext)
	}
	if e.NextModSeq > 0 {
		fmt.Fprintf(&b, " nextmodseq=%d", e.NextModSeq)
	}
	return b.String()
}

// ParsePayload parses the wire form back into an Event.
func ParsePayload(s string) (Event, error) {
	var e Event
	rest, ok := strings.CutPrefix(s, "mailbox ")
	if !ok {
		return e, fmt.Errorf("malformed notification %q", s)
	}
	name, rest, err := cutQuoted(rest)
	if err != nil {
		return e, fmt.Errorf("malformed notification %q: %w", s, err)
	}
	e.Mailbox = name
	for _, kv := range strings.Fields(rest) {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return e, fmt.Errorf("malformed notification key %q", kv)
		}
		switch k {
		case "uidnext":
			e.UIDNext, err = strconv.Atoi(v)
		case "nextmodseq":
			e.NextModSeq, err = strconv.ParseInt(v, 10, 64)
		default:
			// unknown keys are from a newer version; skip them
			continue
		}
		if err != nil {
			return e, fmt.Errorf("malformed notification value %q: %w", kv, err)
		}
	}
	return e, nil
}

func cutQuoted(s string) (string, string, error) {
	prefix, err := strconv.QuotedPrefix(s)
	if err != nil {
		return "", "", errors.New("missing quoted mailbox name")
	}
	name, err := strconv.Unquote(prefix)
	if err != nil {
		return "", "", err
	}
	return name, s[len(prefix):], nil
}

// Notifier publishes mailbox changes over pg_notify. It remembers the last
// values it sent per mailbox so unchanged keys are omitted and no-op
// notifications are suppressed.
type Notifier struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	last map[string]Event
}

// NewNotifier returns a Notifier publishing on Channel.
func NewNotifier(pool *pgxpool.Pool) *Notifier {
	return &Notifier{pool: pool, last: make(map[string]Event)}
}

// MailboxChanged publishes the mailbox's new counters to the cluster.
func (n *Notifier) MailboxChanged(ctx context.Context, name string, uidnext int, nextModSeq int64) {
	e := Event{Mailbox: name, UIDNext: uidnext, NextModSeq: nextModSeq}

	n.mu.Lock()
	prev := n.last[name]
	if e.UIDNext == prev.UIDNext {
		e.UIDNext = 0
	}
	if e.NextModSeq == prev.NextModSeq {
		e.NextModSeq = 0
	}
	n.last[name] = Event{Mailbox: name, UIDNext: uidnext, NextModSeq: nextModSeq}
	n.mu.Unlock()

	if e.UIDNext == 0 && e.NextModSeq == 0 {
		return
	}
	if _, err := n.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, Channel, e.Payload()); err != nil {
		log.Printf("notify: failed to publish change for mailbox %q: %v", name, err)
	}
}

// Listener consumes the cluster channel and applies events to the registry.
// Each event is also handed to OnEvent when set (the websocket layer uses
// this to wake observers).
type Listener struct {
	Pool     *pgxpool.Pool
	Registry *mailbox.Registry
	OnEvent  func(Event)
}

// Run listens until ctx is cancelled, reconnecting with a short pause when
// the listening connection is lost.
func (l *Listener) Run(ctx context.Context) {
	for ctx.Err() == nil {
		if err := l.listen(ctx); err != nil && ctx.Err() == nil {
			log.Printf("notify: listener lost connection: %v", err)
			select {
			case <-time.After(time.Second):
			case <-ctx.Done():
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		e, err := ParsePayload(notification.Payload)
		if err != nil {
			log.Printf("notify: dropping notification: %v", err)
			continue
		}
		l.Registry.Apply(e.Mailbox, e.UIDNext, e.NextModSeq)
		if l.OnEvent != nil {
			l.OnEvent(e)
		}
	}
}
