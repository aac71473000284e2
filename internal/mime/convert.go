package mime

import (
	"bytes"
	"fmt"
	stdmime "mime"
	"net/mail"
	"net/textproto"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jhillyerd/enmime"
)

// Parse parses a raw RFC 5322 message into the storage model. enmime does
// the MIME tree, decoding and charset work; the top-level header is rescanned
// from the raw bytes so the original field order survives enmime's header
// map.
func Parse(raw []byte) *Message {
	m := &Message{RFC822Size: len(raw)}
	env, err := enmime.ReadEnvelope(bytes.NewReader(raw))
	if err != nil {
		m.SetErr(fmt.Errorf("failed to parse message: %w", err))
		return m
	}
	m.Header = ParseHeader(rawHeader(raw))
	m.Parts = partsOf(env.Root)
	return m
}

// rawHeader returns the header block of a raw message, up to and excluding
// the blank separator line.
func rawHeader(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[:i+2]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[:i+1]
	}
	return raw
}

// ParseHeader scans a raw header block into an ordered field list, unfolding
// continuation lines.
func ParseHeader(raw []byte) *Header {
	h := &Header{}
	var name, value string
	flush := func() {
		if name != "" {
			h.Add(fieldOf(name, value))
		}
		name, value = "", ""
	}
	for _, line := range strings.Split(string(raw), "\n") {
		line = strings.TrimSuffix(line, "\r")
		if line == "" {
			continue
		}
		if line[0] == ' ' || line[0] == '\t' {
			value += " " + strings.TrimSpace(line)
			continue
		}
		flush()
		i := strings.IndexByte(line, ':')
		if i < 0 {
			continue
		}
		name = strings.TrimSpace(line[:i])
		value = strings.TrimSpace(line[i+1:])
	}
	flush()
	return h
}

var wordDecoder = &stdmime.WordDecoder{}

var addressParser = mail.AddressParser{WordDecoder: wordDecoder}

func fieldOf(name, value string) *Field {
	t := FieldTypeOf(name)
	canonical := t.Name()
	if canonical == "" {
		canonical = textproto.CanonicalMIMEHeaderKey(name)
	}
	f := &Field{Name: canonical, Value: value, Type: t}
	switch {
	case t.Address():
		f.Addresses = parseAddresses(value)
	case t == Date:
		if d, err := mail.ParseDate(value); err == nil {
			f.Date = d
		}
	default:
		if dec, err := wordDecoder.DecodeHeader(value); err == nil {
			f.Value = dec
		}
	}
	return f
}

func parseAddresses(value string) []*Address {
	v := strings.TrimSpace(value)
	// "<>" is the null return path, not an address.
	if v == "" || v == "<>" {
		return nil
	}
	list, err := addressParser.ParseList(v)
	if err != nil {
		return nil
	}
	out := make([]*Address, 0, len(list))
	for _, a := range list {
		lp, dom := a.Address, ""
		if i := strings.LastIndexByte(a.Address, '@'); i >= 0 {
			lp, dom = a.Address[:i], a.Address[i+1:]
		}
		out = append(out, &Address{Name: a.Name, Localpart: lp, Domain: dom})
	}
	return out
}

func partsOf(root *enmime.Part) []*Bodypart {
	t, _ := splitType(root.ContentType)
	if t == "multipart" {
		var parts []*Bodypart
		walkChildren(root, "", &parts)
		return parts
	}
	p := leafPart(root, "1")
	// The sole part of a single-part message has no MIME header of its own;
	// the message header already carries its Content-* fields.
	p.Header = nil
	return []*Bodypart{p}
}

func walkChildren(parent *enmime.Part, prefix string, out *[]*Bodypart) {
	n := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		n++
		num := strconv.Itoa(n)
		if prefix != "" {
			num = prefix + "." + num
		}
		if t, st := splitType(c.ContentType); t == "multipart" {
			*out = append(*out, &Bodypart{
				PartNumber:     num,
				Header:         headerOf(c),
				ContentType:    t,
				ContentSubtype: st,
			})
			walkChildren(c, num, out)
			continue
		}
		p := leafPart(c, num)
		*out = append(*out, p)
		if p.ContentType == "message" && p.ContentSubtype == "rfc822" {
			nested := Parse(c.Content)
			if !nested.Valid() {
				continue
			}
			p.Message = nested
			for _, np := range nested.Parts {
				np.PartNumber = num + "." + np.PartNumber
				*out = append(*out, np)
			}
		}
	}
}

func leafPart(p *enmime.Part, num string) *Bodypart {
	t, st := splitType(p.ContentType)
	bp := &Bodypart{
		PartNumber:     num,
		Header:         headerOf(p),
		ContentType:    t,
		ContentSubtype: st,
		EncodedBytes:   len(p.Content),
		EncodedLines:   countLines(p.Content),
	}
	if t == "text" {
		bp.Text = string(p.Content)
		bp.NumBytes = len(bp.Text)
	} else {
		bp.Data = p.Content
		bp.NumBytes = len(bp.Data)
	}
	return bp
}

// headerOf shapes a part's MIME header. textproto has already collapsed the
// original field order into a map; sorting keeps the result deterministic.
func headerOf(p *enmime.Part) *Header {
	h := &Header{}
	names := make([]string, 0, len(p.Header))
	for n := range p.Header {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		for _, v := range p.Header[n] {
			h.Add(fieldOf(n, v))
		}
	}
	return h
}

func splitType(ct string) (string, string) {
	ct = strings.ToLower(strings.TrimSpace(ct))
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	if ct == "" {
		return "text", "plain"
	}
	if i := strings.IndexByte(ct, '/'); i >= 0 {
		return ct[:i], ct[i+1:]
	}
	return ct, ""
}

func countLines(b []byte) int {
	n := bytes.Count(b, []byte{'\n'})
	if len(b) > 0 && b[len(b)-1] != '\n' {
		n++
	}
	return n
}

// WrapUnparsable builds a synthetic message around bytes that could not be
// parsed: a short explanation as part 1 and the original bytes, byte for
// byte, as part 2.
func WrapUnparsable(raw []byte, reason string) *Message {
	now := time.Now().UTC()
	explanation := "The appended message was received, but could not be " +
		"parsed and stored as mail. It is preserved unmodified as the " +
		"second part of this message.\n\nParse error: " + reason + "\n"

	h := &Header{}
	h.Add(&Field{
		Name:  "From",
		Type:  From,
		Value: "Mail Storage Database <invalid@invalid.invalid>",
		Addresses: []*Address{
			{Name: "Mail Storage Database", Localpart: "invalid", Domain: "invalid.invalid"},
		},
	})
	h.Add(&Field{Name: "Subject", Type: Subject, Value: "Unparsable message"})
	h.Add(&Field{Name: "Date", Type: Date, Value: now.Format(time.RFC1123Z), Date: now})
	h.Add(&Field{Name: "Mime-Version", Type: MimeVersion, Value: "1.0"})
	h.Add(&Field{
		Name:  "Content-Type",
		Type:  ContentType,
		Value: `multipart/mixed; boundary="wrapper"`,
	})

	textHeader := &Header{}
	textHeader.Add(&Field{Name: "Content-Type", Type: ContentType, Value: "text/plain"})
	dataHeader := &Header{}
	dataHeader.Add(&Field{Name: "Content-Type", Type: ContentType, Value: "application/octet-stream"})

	return &Message{
		Header: h,
		Parts: []*Bodypart{
			{
				PartNumber:     "1",
				Header:         textHeader,
				ContentType:    "text",
				ContentSubtype: "plain",
				Text:           explanation,
				NumBytes:       len(explanation),
				EncodedBytes:   len(explanation),
				EncodedLines:   countLines([]byte(explanation)),
			},
			{
				PartNumber:     "2",
				Header:         dataHeader,
				ContentType:    "application",
				ContentSubtype: "octet-stream",
				Data:           raw,
				NumBytes:       len(raw),
				EncodedBytes:   len(raw),
				EncodedLines:   countLines(raw),
			},
		},
		RFC822Size:   len(raw),
		InternalDate: now,
	}
}
