// Package inject persists parsed messages into the Postgres store. One
// Injector injects one message into any number of mailboxes, atomically:
// everything happens in a single transaction, with savepoints protecting the
// interning steps against concurrent injections of the same names,
// addresses and bodyparts.
package inject

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailstore/internal/mailbox"
	"github.com/vdavid/mailstore/internal/mime"
)

// deliveryExpiry is how long a spooled delivery stays before it expires.
const deliveryExpiry = 48 * time.Hour

// State tracks how far an injection has progressed. Accessors that expose
// allocated ids return zero values until the state has passed SelectingUids.
type State int

const (
	Inactive State = iota
	CreatingFlags
	CreatingAnnotationNames
	CreatingFields
	InsertingBodyparts
	InsertingAddresses
	SelectingUids
	InsertingMessages
	LinkingAddresses
	LinkingFlags
	LinkingAnnotations
	AwaitingCompletion
	Done
)

// Notifier receives post-commit mailbox change events for cluster-wide
// distribution.
type Notifier interface {
	MailboxChanged(ctx context.Context, name string, uidnext int, nextModSeq int64)
}

// Runtime holds what all injectors in a process share: the connection pool,
// the process-wide name caches, the mailbox registry and the notifier.
type Runtime struct {
	Pool            *pgxpool.Pool
	Registry        *mailbox.Registry
	Notifier        Notifier
	FlagNames       *NameCache
	AnnotationNames *NameCache
	FieldNames      *NameCache

	injected atomic.Int64
	failures atomic.Int64
}

// NewRuntime returns a Runtime with fresh name caches.
func NewRuntime(pool *pgxpool.Pool, registry *mailbox.Registry, notifier Notifier) *Runtime {
	return &Runtime{
		Pool:            pool,
		Registry:        registry,
		Notifier:        notifier,
		FlagNames:       NewNameCache(true),
		AnnotationNames: NewNameCache(false),
		FieldNames:      NewNameCache(false),
	}
}

// MessagesInjected returns how many messages this process has injected.
func (r *Runtime) MessagesInjected() int64 { return r.injected.Load() }

// InjectionErrors returns how many injections have failed.
func (r *Runtime) InjectionErrors() int64 { return r.failures.Load() }

// Annotation is one IMAP annotation to attach to the injected message.
// Owner 0 means the annotation is shared.
type Annotation struct {
	Name  string
	Value string
	Owner int
}

// Injector injects one message. Configure it with the setters, then call
// Execute once.
type Injector struct {
	rt      *Runtime
	message *mime.Message

	state State
	err   error

	targets     []*target
	flags       []string
	annotations []Annotation
	sender      *mime.Address
	recipients  []*mime.Address
	wrapped     bool

	messageID  int
	deliveryID int
	addresses  map[string]int
	rows       map[*mime.Bodypart]*bodypartRow
	links      *linkSet
	fieldIDs   map[string]int
}

// New returns an injector for the given message.
func New(rt *Runtime, m *mime.Message) *Injector {
	return &Injector{rt: rt, message: m, addresses: make(map[string]int)}
}

// SetMailboxes sets the mailboxes the message is injected into.
func (i *Injector) SetMailboxes(boxes []*mailbox.Mailbox) {
	i.targets = i.targets[:0]
	for _, b := range boxes {
		i.targets = append(i.targets, &target{mailbox: b})
	}
}

// SetFlags sets the flags attached to the message in every target mailbox.
// Duplicate names are dropped case-insensitively.
func (i *Injector) SetFlags(flags []string) {
	seen := make(map[string]bool, len(flags))
	i.flags = i.flags[:0]
	for _, f := range flags {
		k := strings.ToLower(f)
		if seen[k] {
			continue
		}
		seen[k] = true
		i.flags = append(i.flags, f)
	}
}

// SetAnnotations sets the annotations attached to the message in every
// target mailbox. A later entry with the same owner and name replaces the
// earlier one's value.
func (i *Injector) SetAnnotations(annotations []Annotation) {
	i.annotations = i.annotations[:0]
	index := make(map[[2]interface{}]int)
	for _, a := range annotations {
		k := [2]interface{}{a.Owner, a.Name}
		if at, ok := index[k]; ok {
			i.annotations[at].Value = a.Value
			continue
		}
		index[k] = len(i.annotations)
		i.annotations = append(i.annotations, a)
	}
}

// SetDeliveryAddresses queues the message for outgoing delivery to the given
// recipients. SetSender must be called too.
func (i *Injector) SetDeliveryAddresses(recipients []*mime.Address) {
	i.recipients = recipients
}

// SetSender sets the envelope sender for a spooled delivery.
func (i *Injector) SetSender(sender *mime.Address) {
	i.sender = sender
}

// SetWrapped marks the message as a wrapper around unparsable input, so the
// original bytes (part 2) are registered in unparsed_messages.
func (i *Injector) SetWrapped(wrapped bool) {
	i.wrapped = wrapped
}

// State returns the injector's current state.
func (i *Injector) State() State { return i.state }

// Done reports whether the injection has finished, successfully or not.
func (i *Injector) Done() bool { return i.state == Done }

// Failed reports whether the injection has finished with an error.
func (i *Injector) Failed() bool { return i.state == Done && i.err != nil }

// Error returns the error that failed the injection, if any.
func (i *Injector) Error() error { return i.err }

// MessageID returns the allocated messages row id, or 0 before allocation.
func (i *Injector) MessageID() int { return i.messageID }

// UID returns the uid allocated in the given mailbox, or 0.
func (i *Injector) UID(mailboxID int) int {
	for _, t := range i.targets {
		if t.mailbox.ID == mailboxID {
			return t.uid
		}
	}
	return 0
}

// ModSeq returns the modseq allocated in the given mailbox, or 0.
func (i *Injector) ModSeq(mailboxID int) int64 {
	for _, t := range i.targets {
		if t.mailbox.ID == mailboxID {
			return t.modseq
		}
	}
	return 0
}

// Mailboxes returns the target mailboxes.
func (i *Injector) Mailboxes() []*mailbox.Mailbox {
	out := make([]*mailbox.Mailbox, len(i.targets))
	for n, t := range i.targets {
		out[n] = t.mailbox
	}
	return out
}

// Execute runs the injection. On success the message is committed, live
// sessions are told about the new uid, and the cluster is notified.
func (i *Injector) Execute(ctx context.Context) error {
	if i.state != Inactive {
		return fmt.Errorf("injector executed twice")
	}
	if err := i.validate(); err != nil {
		return i.fail(err)
	}

	tx, err := i.rt.Pool.Begin(ctx)
	if err != nil {
		i.rt.failures.Add(1)
		i.state = Done
		i.err = fmt.Errorf("%w: %v", ErrNoHandles, err)
		return i.err
	}
	defer tx.Rollback(ctx)

	if err := i.run(ctx, tx); err != nil {
		return i.fail(err)
	}

	i.state = AwaitingCompletion
	if err := tx.Commit(ctx); err != nil {
		return i.fail(dbError("commit injection", err))
	}

	i.announce(ctx)
	i.rt.injected.Add(1)
	i.logDetails()
	i.state = Done
	return nil
}

func (i *Injector) validate() error {
	if i.message == nil || !i.message.Valid() {
		return fmt.Errorf("%w: no valid message", ErrInvalidInput)
	}
	if len(i.recipients) > 0 && i.sender == nil {
		return fmt.Errorf("%w: delivery recipients without a sender", ErrInvalidInput)
	}
	if len(i.targets) == 0 && len(i.recipients) == 0 {
		return fmt.Errorf("%w: nothing to do", ErrInvalidInput)
	}
	return nil
}

func (i *Injector) fail(err error) error {
	i.rt.failures.Add(1)
	i.state = Done
	i.err = err
	log.Printf("injection failed: %v", err)
	return err
}

func (i *Injector) run(ctx context.Context, tx pgx.Tx) error {
	i.links = buildLinks(i.message)

	i.state = CreatingFlags
	flagIDs, err := resolveNames(ctx, tx, flagNameTable, i.rt.FlagNames, i.flags)
	if err != nil {
		return err
	}

	i.state = CreatingAnnotationNames
	annotationIDs, err := resolveNames(ctx, tx, annotationNameTable, i.rt.AnnotationNames,
		annotationNamesOf(i.annotations))
	if err != nil {
		return err
	}

	i.state = CreatingFields
	i.fieldIDs, err = resolveNames(ctx, tx, fieldNameTable, i.rt.FieldNames,
		i.links.otherFieldNames())
	if err != nil {
		return err
	}

	i.state = InsertingBodyparts
	i.rows, err = insertBodyparts(ctx, tx, i.message.Parts)
	if err != nil {
		return err
	}

	i.state = InsertingAddresses
	addrs := i.links.headerAddresses()
	// envelope addresses reuse a header address with the same NakedKey
	byNaked := make(map[string]*mime.Address, len(addrs))
	for n := len(addrs) - 1; n >= 0; n-- {
		byNaked[addrs[n].NakedKey()] = addrs[n]
	}
	if i.sender != nil {
		if h, ok := byNaked[i.sender.NakedKey()]; ok {
			i.sender = h
		}
		addrs = append(addrs, i.sender)
	}
	recipients := append([]*mime.Address(nil), i.recipients...)
	for n, r := range recipients {
		if h, ok := byNaked[r.NakedKey()]; ok {
			recipients[n] = h
		}
	}
	i.recipients = recipients
	addrs = append(addrs, i.recipients...)
	if err := resolveAddresses(ctx, tx, i.addresses, addrs); err != nil {
		return err
	}

	i.state = SelectingUids
	err = tx.QueryRow(ctx,
		`INSERT INTO messages (rfc822size) VALUES ($1) RETURNING id`,
		i.message.RFC822Size).Scan(&i.messageID)
	if err != nil {
		return dbError("insert message", err)
	}
	if err := allocateUIDs(ctx, tx, i.targets); err != nil {
		return err
	}

	i.state = InsertingMessages
	if err := i.insertMessages(ctx, tx); err != nil {
		return err
	}

	i.state = LinkingAddresses
	if err := i.linkHeader(ctx, tx); err != nil {
		return err
	}

	i.state = LinkingFlags
	if err := i.linkFlags(ctx, tx, flagIDs); err != nil {
		return err
	}

	i.state = LinkingAnnotations
	if err := i.linkAnnotations(ctx, tx, annotationIDs); err != nil {
		return err
	}

	if i.wrapped {
		if err := i.registerUnparsed(ctx, tx); err != nil {
			return err
		}
	}
	return nil
}

func annotationNamesOf(annotations []Annotation) []string {
	names := make([]string, len(annotations))
	for i, a := range annotations {
		names[i] = a.Name
	}
	return names
}

// insertMessages writes the mailbox_messages and part_numbers rows, the
// date_fields entries and the delivery spool rows.
func (i *Injector) insertMessages(ctx context.Context, tx pgx.Tx) error {
	now := time.Now()
	idate := internalDate(i.message, now)

	if len(i.targets) > 0 {
		rows := make([][]any, len(i.targets))
		for n, t := range i.targets {
			rows[n] = []any{t.mailbox.ID, t.uid, i.messageID, int(idate.Unix()), t.modseq}
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"mailbox_messages"},
			[]string{"mailbox", "uid", "message", "idate", "modseq"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return dbError("insert mailbox_messages", err)
		}
	}

	parts := make([][]any, 0, len(i.message.Parts)+1)
	parts = append(parts, []any{i.messageID, "", nil, nil, nil})
	for _, p := range i.message.Parts {
		row := i.rows[p]
		var bodypart any
		if row != nil && row.hash != "" {
			bodypart = row.id
		}
		parts = append(parts, []any{i.messageID, p.PartNumber, bodypart, p.EncodedBytes, p.EncodedLines})
		if p.Message != nil {
			// a nested message gets a second row for its own header and
			// body, sharing the enclosing part's bodypart
			parts = append(parts, []any{i.messageID, p.PartNumber + ".rfc822", bodypart, p.EncodedBytes, p.EncodedLines})
		}
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"part_numbers"},
		[]string{"message", "part", "bodypart", "bytes", "lines"},
		pgx.CopyFromRows(parts))
	if err != nil {
		return dbError("insert part_numbers", err)
	}

	for _, d := range i.links.dates {
		_, err := tx.Exec(ctx,
			`INSERT INTO date_fields (message, value) VALUES ($1, $2)`,
			i.messageID, d)
		if err != nil {
			return dbError("insert date_fields", err)
		}
	}

	if len(i.recipients) > 0 {
		if err := i.spoolDelivery(ctx, tx, now); err != nil {
			return err
		}
	}
	return nil
}

// spoolDelivery records the message for outgoing delivery. The delivery id
// comes back from the insert and is bound explicitly into each recipient
// row.
func (i *Injector) spoolDelivery(ctx context.Context, tx pgx.Tx, now time.Time) error {
	err := tx.QueryRow(ctx,
		`INSERT INTO deliveries (sender, message, injected_at, expires_at)
		 VALUES ($1, $2, $3, $4) RETURNING id`,
		i.addresses[i.sender.Key()], i.messageID, now, now.Add(deliveryExpiry)).Scan(&i.deliveryID)
	if err != nil {
		return dbError("insert delivery", err)
	}
	rows := make([][]any, len(i.recipients))
	for n, r := range i.recipients {
		rows[n] = []any{i.deliveryID, i.addresses[r.Key()]}
	}
	_, err = tx.CopyFrom(ctx, pgx.Identifier{"delivery_recipients"},
		[]string{"delivery", "recipient"}, pgx.CopyFromRows(rows))
	if err != nil {
		return dbError("insert delivery_recipients", err)
	}
	return nil
}

// fieldID resolves a field to its field_names id: well-known fields are their
// own seeded id, interned fields come from the resolver, and anything else
// falls back to the unknown sentinel.
func (i *Injector) fieldID(f *mime.Field) int {
	if f.Type != mime.Other {
		return int(f.Type)
	}
	if id, ok := i.fieldIDs[f.Name]; ok {
		return id
	}
	return mime.UnknownFieldID
}

// linkHeader writes the header_fields and address_fields rows.
func (i *Injector) linkHeader(ctx context.Context, tx pgx.Tx) error {
	if len(i.links.fields) > 0 {
		rows := make([][]any, len(i.links.fields))
		for n, l := range i.links.fields {
			rows[n] = []any{i.messageID, l.part, l.position, i.fieldID(l.field), l.field.Value}
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"header_fields"},
			[]string{"message", "part", "position", "field", "value"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return dbError("insert header_fields", err)
		}
	}
	if len(i.links.addresses) > 0 {
		rows := make([][]any, len(i.links.addresses))
		for n, l := range i.links.addresses {
			rows[n] = []any{i.messageID, l.part, l.position, int(l.field.Type), l.number,
				i.addresses[l.address.Key()]}
		}
		_, err := tx.CopyFrom(ctx, pgx.Identifier{"address_fields"},
			[]string{"message", "part", "position", "field", "number", "address"},
			pgx.CopyFromRows(rows))
		if err != nil {
			return dbError("insert address_fields", err)
		}
	}
	return nil
}

func (i *Injector) linkFlags(ctx context.Context, tx pgx.Tx, flagIDs map[string]int) error {
	if len(i.flags) == 0 || len(i.targets) == 0 {
		return nil
	}
	rows := make([][]any, 0, len(i.flags)*len(i.targets))
	for _, t := range i.targets {
		for _, f := range i.flags {
			rows = append(rows, []any{t.mailbox.ID, t.uid, flagIDs[f]})
		}
	}
	_, err := tx.CopyFrom(ctx, pgx.Identifier{"flags"},
		[]string{"mailbox", "uid", "flag"}, pgx.CopyFromRows(rows))
	if err != nil {
		return dbError("insert flags", err)
	}
	return nil
}

func (i *Injector) linkAnnotations(ctx context.Context, tx pgx.Tx, annotationIDs map[string]int) error {
	for _, t := range i.targets {
		for _, a := range i.annotations {
			var owner any
			if a.Owner != 0 {
				owner = a.Owner
			}
			_, err := tx.Exec(ctx,
				`INSERT INTO annotations (mailbox, uid, name, value, owner)
				 VALUES ($1, $2, $3, $4, $5)`,
				t.mailbox.ID, t.uid, annotationIDs[a.Name], a.Value, owner)
			if err != nil {
				return dbError("insert annotation", err)
			}
		}
	}
	return nil
}

// registerUnparsed records the bodypart carrying the original unparsable
// bytes (part 2 of the wrapper).
func (i *Injector) registerUnparsed(ctx context.Context, tx pgx.Tx) error {
	original := i.message.Part("2")
	if original == nil {
		return fmt.Errorf("%w: wrapped message has no part 2", ErrInvalidInput)
	}
	row := i.rows[original]
	if row == nil || row.hash == "" {
		return fmt.Errorf("%w: wrapped message part 2 stores no data", ErrInvalidInput)
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO unparsed_messages (bodypart) VALUES ($1)`, row.id)
	if err != nil {
		return dbError("insert unparsed_messages", err)
	}
	return nil
}

// announce distributes the committed injection: the registry caches move
// forward, the session that claimed \Recent learns its uid, every live
// session gets the uid queued for announcement, and the cluster is told.
func (i *Injector) announce(ctx context.Context) {
	for _, t := range i.targets {
		mb := t.mailbox
		mb.Update(t.uid+1, t.modseq+1)
		if t.recentSession != nil {
			t.recentSession.AddRecent(uint32(t.uid))
		}
		for _, s := range mb.Sessions() {
			s.AddUnannounced(uint32(t.uid))
		}
		if i.rt.Notifier != nil {
			i.rt.Notifier.MailboxChanged(ctx, mb.Name, mb.UIDNext(), mb.NextModSeq())
		}
	}
}

func (i *Injector) logDetails() {
	id := i.message.Header.MessageID()
	if id == "" {
		id = "(no message-id)"
	}
	if len(i.targets) == 0 {
		log.Printf("injected message %s for delivery only (message %d)", id, i.messageID)
		return
	}
	for _, t := range i.targets {
		log.Printf("injected message %s into mailbox %q as uid %d (message %d, modseq %d)",
			id, t.mailbox.Name, t.uid, i.messageID, t.modseq)
	}
}
