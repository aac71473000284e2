package mime

import "strings"

// FieldType tags the well-known header fields. The numeric values double as
// the seeded field_names ids, so a typed field can be written without a
// round-trip to the interning tables.
type FieldType int

const (
	// UnknownFieldID is the field_names id used when a field's name could
	// not be resolved. It is never handed out by the sequence.
	UnknownFieldID = 0

	From FieldType = iota
	ResentFrom
	Sender
	ResentSender
	ReturnPath
	ReplyTo
	To
	Cc
	Bcc
	ResentTo
	ResentCc
	ResentBcc
	Date
	MessageID
	InReplyTo
	References
	Subject
	Comments
	Keywords
	Received
	ContentType
	ContentTransferEncoding
	ContentDisposition
	ContentDescription
	ContentID
	ContentLocation
	ContentLanguage
	MimeVersion

	// Other marks fields outside the well-known set; their names are
	// interned into field_names at injection time.
	Other FieldType = 999
)

// LastAddressField is the highest field type whose value is an address list.
const LastAddressField = ResentBcc

var fieldNames = map[FieldType]string{
	From:                    "From",
	ResentFrom:              "Resent-From",
	Sender:                  "Sender",
	ResentSender:            "Resent-Sender",
	ReturnPath:              "Return-Path",
	ReplyTo:                 "Reply-To",
	To:                      "To",
	Cc:                      "Cc",
	Bcc:                     "Bcc",
	ResentTo:                "Resent-To",
	ResentCc:                "Resent-Cc",
	ResentBcc:               "Resent-Bcc",
	Date:                    "Date",
	MessageID:               "Message-Id",
	InReplyTo:               "In-Reply-To",
	References:              "References",
	Subject:                 "Subject",
	Comments:                "Comments",
	Keywords:                "Keywords",
	Received:                "Received",
	ContentType:             "Content-Type",
	ContentTransferEncoding: "Content-Transfer-Encoding",
	ContentDisposition:      "Content-Disposition",
	ContentDescription:      "Content-Description",
	ContentID:               "Content-Id",
	ContentLocation:         "Content-Location",
	ContentLanguage:         "Content-Language",
	MimeVersion:             "Mime-Version",
}

var fieldTypes = func() map[string]FieldType {
	m := make(map[string]FieldType, len(fieldNames))
	for t, n := range fieldNames {
		m[strings.ToLower(n)] = t
	}
	return m
}()

// FieldTypeOf maps a header field name to its type, case-insensitively.
// Names outside the well-known set map to Other.
func FieldTypeOf(name string) FieldType {
	if t, ok := fieldTypes[strings.ToLower(name)]; ok {
		return t
	}
	return Other
}

// Name returns the canonical spelling of a well-known field, or "".
func (t FieldType) Name() string { return fieldNames[t] }

// Address reports whether the field's value is an address list.
func (t FieldType) Address() bool { return t >= From && t <= LastAddressField }
