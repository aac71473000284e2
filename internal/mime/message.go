// Package mime holds the in-memory model of a parsed RFC 5322 message:
// headers as ordered field lists, body parts addressable by dotted part
// numbers, and the addresses referenced by address fields. Parsing itself is
// delegated to enmime; this package only shapes its output for storage.
package mime

import (
	"strings"
	"time"
)

// Address is one mailbox address as it appears in a header field. The
// identity used for interning is (Name, Localpart, lower(Domain)).
type Address struct {
	Name      string // display name, may be empty
	Localpart string
	Domain    string
}

// Key returns the intern key for the address.
func (a *Address) Key() string {
	return a.Name + "\x00" + a.Localpart + "\x00" + strings.ToLower(a.Domain)
}

// NakedKey returns localpart@domain, ignoring the display name. Delivery
// addresses are matched against header addresses by this weaker identity.
func (a *Address) NakedKey() string {
	return a.Localpart + "@" + strings.ToLower(a.Domain)
}

func (a *Address) String() string {
	if a.Name != "" {
		return a.Name + " <" + a.Localpart + "@" + a.Domain + ">"
	}
	return a.Localpart + "@" + a.Domain
}

// Field is one header field, in the order it appeared in its header.
type Field struct {
	Name      string // canonical field name, e.g. "Subject"
	Value     string
	Type      FieldType
	Position  int // insertion order within the header, starting at 1
	Addresses []*Address // populated for address fields only
	Date      time.Time  // populated for Date fields only
}

// Header is an ordered sequence of fields.
type Header struct {
	Fields []*Field
}

// Add appends a field, assigning its position.
func (h *Header) Add(f *Field) {
	f.Position = len(h.Fields) + 1
	h.Fields = append(h.Fields, f)
}

// Get returns the first field with the given type, or nil.
func (h *Header) Get(t FieldType) *Field {
	for _, f := range h.Fields {
		if f.Type == t {
			return f
		}
	}
	return nil
}

// MessageID returns the value of the Message-Id field, or "".
func (h *Header) MessageID() string {
	if f := h.Get(MessageID); f != nil {
		return f.Value
	}
	return ""
}

// ContentType returns the media type and subtype from the Content-Type
// field, both lowercased, or "", "" if the header has none.
func (h *Header) ContentType() (string, string) {
	f := h.Get(ContentType)
	if f == nil {
		return "", ""
	}
	mt := f.Value
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	mt = strings.ToLower(strings.TrimSpace(mt))
	if i := strings.IndexByte(mt, '/'); i >= 0 {
		return mt[:i], mt[i+1:]
	}
	return mt, ""
}

// Bodypart is one leaf or intermediate node of the MIME tree, addressable by
// its dotted part number.
type Bodypart struct {
	PartNumber string // "1", "1.2", ...; never "" (that is the whole message)
	Header     *Header

	ContentType    string // lowercased media type, e.g. "text"; Parse uses text/plain if absent
	ContentSubtype string // lowercased subtype, e.g. "plain"

	Text string // decoded text for text/* parts
	Data []byte // decoded raw bytes for everything else

	NumBytes     int // decoded size
	EncodedBytes int
	EncodedLines int

	// Message is the nested message when this part is message/rfc822.
	Message *Message
}

// Message is a parsed RFC 5322 message: a root header plus the flattened,
// ordered list of body parts.
type Message struct {
	Header *Header
	Parts  []*Bodypart

	RFC822Size   int
	InternalDate time.Time

	err error
}

// Valid reports whether the message survived parse validation.
func (m *Message) Valid() bool { return m.err == nil }

// Err returns the parse validation error, if any.
func (m *Message) Err() error { return m.err }

// SetErr marks the message as invalid.
func (m *Message) SetErr(err error) { m.err = err }

// Part returns the body part with the given part number, or nil.
func (m *Message) Part(number string) *Bodypart {
	for _, p := range m.Parts {
		if p.PartNumber == number {
			return p
		}
	}
	return nil
}

// Multipart reports whether the root content type is multipart/*.
func (m *Message) Multipart() bool {
	t, _ := m.Header.ContentType()
	return t == "multipart"
}
