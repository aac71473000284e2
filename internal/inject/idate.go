package inject

import (
	"net/mail"
	"strings"
	"time"

	"github.com/vdavid/mailstore/internal/mime"
)

// internalDate picks the internal date stored with a mailbox message: an
// explicitly supplied date wins, then the timestamp of the newest Received
// hop, then the Date header, then the injection time.
func internalDate(m *mime.Message, now time.Time) time.Time {
	if !m.InternalDate.IsZero() {
		return m.InternalDate
	}
	if d, ok := receivedDate(m.Header); ok {
		return d
	}
	if f := m.Header.Get(mime.Date); f != nil && !f.Date.IsZero() {
		return f.Date
	}
	return now
}

// receivedDate extracts the date from the first Received field that carries
// one. Received fields are prepended by each hop, so the first is the newest
// and closest to actual delivery. The date is whatever follows the final
// semicolon.
func receivedDate(h *mime.Header) (time.Time, bool) {
	for _, f := range h.Fields {
		if f.Type != mime.Received {
			continue
		}
		i := strings.LastIndexByte(f.Value, ';')
		if i < 0 {
			continue
		}
		if d, err := mail.ParseDate(strings.TrimSpace(f.Value[i+1:])); err == nil {
			return d, true
		}
	}
	return time.Time{}, false
}
