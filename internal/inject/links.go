package inject

import (
	"time"

	"github.com/vdavid/mailstore/internal/mime"
)

// fieldLink is one header_fields row waiting for its message id.
type fieldLink struct {
	part     string
	position int
	field    *mime.Field
}

// addressLink is one address_fields row: one address of one address field,
// numbered by its zero-based place in the field's address list.
type addressLink struct {
	part     string
	position int
	number   int
	field    *mime.Field
	address  *mime.Address
}

// linkSet holds everything the header writer will copy into header_fields,
// address_fields and date_fields once the message id is known.
type linkSet struct {
	fields    []fieldLink
	addresses []addressLink
	dates     []time.Time
}

// buildLinks walks a message and collects its header rows. The top-level
// header is part ""; each bodypart with a MIME header of its own contributes
// rows under its part number, and a nested message contributes its header
// under <part>.rfc822. The sole part of a single-part message carries no
// header (the top-level header already covers it), which the converter marks
// with a nil Header.
func buildLinks(m *mime.Message) *linkSet {
	ls := &linkSet{}
	ls.addHeader(m.Header, "", true)
	for _, p := range m.Parts {
		if p.Header != nil {
			ls.addHeader(p.Header, p.PartNumber, false)
		}
		if p.Message != nil {
			ls.addHeader(p.Message.Header, p.PartNumber+".rfc822", false)
		}
	}
	return ls
}

// addHeader collects one header's rows. At the top level the Date field goes
// to date_fields only; everywhere else it is stored as an ordinary field,
// since date_fields has no part column.
func (ls *linkSet) addHeader(h *mime.Header, part string, top bool) {
	for _, f := range h.Fields {
		switch {
		case f.Type.Address() && len(f.Addresses) > 0:
			for i, a := range f.Addresses {
				ls.addresses = append(ls.addresses, addressLink{
					part:     part,
					position: f.Position,
					number:   i,
					field:    f,
					address:  a,
				})
			}
		case top && f.Type == mime.Date:
			if !f.Date.IsZero() {
				ls.dates = append(ls.dates, f.Date)
			}
		default:
			ls.fields = append(ls.fields, fieldLink{
				part:     part,
				position: f.Position,
				field:    f,
			})
		}
	}
}

// otherFieldNames returns the names of fields outside the well-known set, in
// first-seen order. These are the ones that need interning into field_names.
func (ls *linkSet) otherFieldNames() []string {
	var names []string
	seen := make(map[string]bool)
	for _, l := range ls.fields {
		if l.field.Type != mime.Other || seen[l.field.Name] {
			continue
		}
		seen[l.field.Name] = true
		names = append(names, l.field.Name)
	}
	return names
}

// headerAddresses returns every address referenced by the link set.
func (ls *linkSet) headerAddresses() []*mime.Address {
	out := make([]*mime.Address, 0, len(ls.addresses))
	for _, l := range ls.addresses {
		out = append(out, l.address)
	}
	return out
}
