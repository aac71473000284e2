package inject

import (
	"context"
	"log"
	"sort"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailstore/internal/mailbox"
)

// UID-space limits. An allocation above uidWarnLimit is logged loudly; one
// above uidDisasterLimit means the mailbox is about to run out of 31-bit
// UIDs and must be recreated.
const (
	uidWarnLimit     = 0x7fff0000
	uidDisasterLimit = 0x7ffffff0
)

// target is one mailbox the message is being injected into, plus the uid
// and modseq allocated for it.
type target struct {
	mailbox *mailbox.Mailbox
	uid     int
	modseq  int64

	// recentSession is the live session that owns \Recent for this uid,
	// if the allocation claimed it.
	recentSession *mailbox.Session
}

// allocateUIDs locks each target's mailboxes row and takes the next uid and
// modseq. Rows are locked in mailbox-id order so concurrent injections into
// overlapping mailbox sets cannot deadlock.
func allocateUIDs(ctx context.Context, tx pgx.Tx, targets []*target) error {
	sorted := make([]*target, len(targets))
	copy(sorted, targets)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].mailbox.ID < sorted[j].mailbox.ID
	})

	for _, t := range sorted {
		var uidnext, firstRecent int
		var nextModSeq int64
		err := tx.QueryRow(ctx,
			`SELECT uidnext, nextmodseq, first_recent FROM mailboxes WHERE id = $1 FOR UPDATE`,
			t.mailbox.ID).Scan(&uidnext, &nextModSeq, &firstRecent)
		if err != nil {
			return dbError("lock mailbox row", err)
		}

		t.uid = uidnext
		t.modseq = nextModSeq

		newFirstRecent := firstRecent
		if uidnext == firstRecent {
			if sessions := t.mailbox.Sessions(); len(sessions) > 0 {
				t.recentSession = sessions[0]
				newFirstRecent = firstRecent + 1
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE mailboxes SET uidnext = $1, nextmodseq = $2, first_recent = $3 WHERE id = $4`,
			uidnext+1, nextModSeq+1, newFirstRecent, t.mailbox.ID)
		if err != nil {
			return dbError("advance mailbox counters", err)
		}

		if t.uid > uidDisasterLimit {
			log.Printf("DISASTER: mailbox %q (id %d) has reached uid %d; it must be recreated before the uid space runs out",
				t.mailbox.Name, t.mailbox.ID, t.uid)
		} else if t.uid > uidWarnLimit {
			log.Printf("warning: mailbox %q (id %d) is nearing the end of its uid space (uid %d)",
				t.mailbox.Name, t.mailbox.ID, t.uid)
		}
	}
	return nil
}
