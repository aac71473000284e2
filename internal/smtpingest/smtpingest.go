// Package smtpingest is the thin SMTP endpoint in front of the injector.
// Messages for local recipients are injected into their mailboxes; messages
// for remote recipients are spooled as deliveries. Input that cannot be
// parsed is not bounced: it is wrapped in a synthetic message and stored
// anyway.
package smtpingest

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/mail"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-smtp"

	"github.com/vdavid/mailstore/internal/config"
	"github.com/vdavid/mailstore/internal/inject"
	"github.com/vdavid/mailstore/internal/mailbox"
	"github.com/vdavid/mailstore/internal/mime"
)

// Backend accepts SMTP sessions and routes recipients.
type Backend struct {
	Runtime  *inject.Runtime
	Registry *mailbox.Registry

	// LocalDomains holds the lowercased domains whose recipients have
	// mailboxes here. Everything else is spooled for remote delivery.
	LocalDomains map[string]bool

	// Flags is attached to every locally injected message.
	Flags []string
}

// NewSession implements smtp.Backend.
func (b *Backend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &session{backend: b}, nil
}

// NewServer builds the SMTP server around the backend.
func NewServer(cfg *config.Config, b *Backend) *smtp.Server {
	s := smtp.NewServer(b)
	s.Addr = cfg.SMTPAddr
	s.Domain = cfg.Hostname
	s.ReadTimeout = 10 * time.Second
	s.WriteTimeout = 10 * time.Second
	s.MaxMessageBytes = 50 * 1024 * 1024
	s.MaxRecipients = 100
	return s
}

type session struct {
	backend *Backend

	sender *mime.Address
	local  []string
	remote []*mime.Address
}

var errTemporary = &smtp.SMTPError{
	Code:         451,
	EnhancedCode: smtp.EnhancedCode{4, 3, 0},
	Message:      "Temporary storage failure",
}

func (s *session) Mail(from string, _ *smtp.MailOptions) error {
	s.sender = parseAddress(from)
	return nil
}

func (s *session) Rcpt(to string, _ *smtp.RcptOptions) error {
	a := parseAddress(to)
	if a == nil {
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 3},
			Message:      "Malformed recipient address",
		}
	}
	if s.backend.LocalDomains[strings.ToLower(a.Domain)] {
		s.local = append(s.local, mailboxNameFor(a))
	} else {
		s.remote = append(s.remote, a)
	}
	return nil
}

func (s *session) Data(r io.Reader) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return errTemporary
	}
	if len(s.local) == 0 && len(s.remote) == 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients",
		}
	}

	ctx := context.Background()

	m := mime.Parse(raw)
	wrapped := false
	if !m.Valid() {
		log.Printf("smtp: wrapping unparsable message: %v", m.Err())
		m = mime.WrapUnparsable(raw, m.Err().Error())
		wrapped = true
	}

	boxes, err := s.resolveMailboxes(ctx)
	if err != nil {
		log.Printf("smtp: failed to resolve mailboxes: %v", err)
		return errTemporary
	}

	inj := inject.New(s.backend.Runtime, m)
	inj.SetMailboxes(boxes)
	inj.SetFlags(s.backend.Flags)
	inj.SetWrapped(wrapped)
	if len(s.remote) > 0 {
		sender := s.sender
		if sender == nil {
			// null return path; spool with the empty mailbox address
			sender = &mime.Address{}
		}
		inj.SetSender(sender)
		inj.SetDeliveryAddresses(s.remote)
	}
	if err := inj.Execute(ctx); err != nil {
		return errTemporary
	}
	return nil
}

func (s *session) resolveMailboxes(ctx context.Context) ([]*mailbox.Mailbox, error) {
	var boxes []*mailbox.Mailbox
	seen := make(map[string]bool)
	for _, name := range s.local {
		if seen[name] {
			continue
		}
		seen[name] = true
		mb, err := s.backend.Registry.Create(ctx, s.backend.Runtime.Pool, name)
		if err != nil {
			return nil, err
		}
		boxes = append(boxes, mb)
	}
	return boxes, nil
}

func (s *session) Reset() {
	s.sender = nil
	s.local = nil
	s.remote = nil
}

func (s *session) Logout() error { return nil }

// mailboxNameFor maps a local recipient to its mailbox. Each local user's
// inbox is <localpart>/INBOX, with the IMAP-canonical spelling of INBOX.
func mailboxNameFor(a *mime.Address) string {
	return fmt.Sprintf("%s/%s", strings.ToLower(a.Localpart), imap.CanonicalMailboxName("inbox"))
}

// parseAddress parses one SMTP envelope address. The null path "<>" and
// unparsable input both come back as nil.
func parseAddress(s string) *mime.Address {
	s = strings.TrimSpace(s)
	if s == "" || s == "<>" {
		return nil
	}
	a, err := mail.ParseAddress(s)
	if err != nil {
		return nil
	}
	lp, dom := a.Address, ""
	if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
		lp, dom = a.Address[:i], a.Address[i+1:]
	}
	return &mime.Address{Name: a.Name, Localpart: lp, Domain: dom}
}
