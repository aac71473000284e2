package inject

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jaytaylor/html2text"

	"github.com/vdavid/mailstore/internal/mime"
)

// bodypartRow is what a single part contributes to the bodyparts table.
// Parts that store nothing (multipart containers, message/rfc822) have an
// empty hash and never get a row or an id.
type bodypartRow struct {
	part  *mime.Bodypart
	hash  string
	bytes int
	text  *string
	data  []byte
	id    int
}

// storageFor applies the per-content-type storage policy. Text parts hash
// and store the decoded UTF-8 text; text/html additionally keeps the raw
// markup and stores a stripped rendition as the searchable text. Signed
// multiparts keep their raw bytes so signatures stay verifiable. Other
// multiparts and message/rfc822 store nothing: their content is reachable
// through their children.
func storageFor(p *mime.Bodypart) *bodypartRow {
	switch p.ContentType {
	case "text":
		row := &bodypartRow{part: p, hash: hashOf([]byte(p.Text)), bytes: len(p.Text)}
		if p.ContentSubtype == "html" {
			stripped, err := html2text.FromString(p.Text)
			if err != nil {
				stripped = p.Text
			}
			row.text = &stripped
			row.data = []byte(p.Text)
		} else {
			text := p.Text
			row.text = &text
		}
		return row
	case "multipart":
		if p.ContentSubtype == "signed" && len(p.Data) > 0 {
			return &bodypartRow{part: p, hash: hashOf(p.Data), bytes: len(p.Data), data: p.Data}
		}
		return &bodypartRow{part: p}
	case "message":
		if p.ContentSubtype == "rfc822" {
			return &bodypartRow{part: p}
		}
	}
	return &bodypartRow{part: p, hash: hashOf(p.Data), bytes: len(p.Data), data: p.Data}
}

func hashOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

// insertBodyparts stores the deduplicated bodyparts rows for all parts of a
// message and records each part's bodypart id. Each row gets its own
// savepoint: when another transaction commits the same hash first, the
// insert is rolled back and the existing row is reused.
func insertBodyparts(ctx context.Context, tx pgx.Tx, parts []*mime.Bodypart) (map[*mime.Bodypart]*bodypartRow, error) {
	result := make(map[*mime.Bodypart]*bodypartRow, len(parts))
	byHash := make(map[string]*bodypartRow)
	for _, p := range parts {
		row := storageFor(p)
		result[p] = row
		if row.hash == "" {
			continue
		}
		if prev, ok := byHash[row.hash]; ok {
			// same content appears twice in one message
			result[p] = prev
			continue
		}
		byHash[row.hash] = row
		if err := insertBodypart(ctx, tx, row); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func insertBodypart(ctx context.Context, tx pgx.Tx, row *bodypartRow) error {
	found, err := selectBodypart(ctx, tx, row)
	if err != nil {
		return err
	}
	if found {
		return nil
	}
	raced, err := withSavepoint(ctx, tx, "bodyparts_hash_key", func(sp pgx.Tx) error {
		return sp.QueryRow(ctx,
			`INSERT INTO bodyparts (hash, bytes, text, data) VALUES ($1, $2, $3, $4) RETURNING id`,
			row.hash, row.bytes, row.text, row.data).Scan(&row.id)
	})
	if err != nil {
		return dbError("insert bodypart", err)
	}
	if !raced {
		return nil
	}
	found, err = selectBodypart(ctx, tx, row)
	if err != nil {
		return err
	}
	if !found {
		return dbError("insert bodypart", errRaceVanished)
	}
	return nil
}

var errRaceVanished = errors.New("bodypart row vanished after unique-violation race")

func selectBodypart(ctx context.Context, tx pgx.Tx, row *bodypartRow) (bool, error) {
	err := tx.QueryRow(ctx,
		`SELECT id FROM bodyparts WHERE hash = $1`, row.hash).Scan(&row.id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, dbError("select bodypart", err)
	}
	return true, nil
}
