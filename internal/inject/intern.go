package inject

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailstore/internal/mime"
)

// addressBatch is how many addresses one select or insert round handles.
const addressBatch = 1024

// nameTable describes one of the interning tables. The constraint token is
// what Postgres reports when two transactions insert the same name at once;
// the loser rolls back its savepoint and re-selects the winner's row.
type nameTable struct {
	table      string
	constraint string
	fold       bool
}

var (
	flagNameTable       = nameTable{table: "flag_names", constraint: "fn_uname", fold: true}
	annotationNameTable = nameTable{table: "annotation_names", constraint: "annotation_names_name_key", fold: false}
	fieldNameTable      = nameTable{table: "field_names", constraint: "field_names_name_key", fold: false}
)

// withSavepoint runs fn inside a savepoint. A unique violation on the named
// constraint rolls the savepoint back and reports raced; any other error is
// fatal to the transaction.
func withSavepoint(ctx context.Context, tx pgx.Tx, constraint string, fn func(pgx.Tx) error) (raced bool, err error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return false, dbError("open savepoint", err)
	}
	if err := fn(sp); err != nil {
		_ = sp.Rollback(ctx)
		if uniqueViolation(err, constraint) {
			return true, nil
		}
		return false, err
	}
	return false, sp.Commit(ctx)
}

// resolveNames maps names to ids in one of the interning tables, inserting
// the ones that do not exist yet. The select-insert-reselect loop tolerates
// concurrent transactions interning the same names.
func resolveNames(ctx context.Context, tx pgx.Tx, t nameTable, cache *NameCache, names []string) (map[string]int, error) {
	result := make(map[string]int, len(names))
	var pending []string
	seen := make(map[string]bool)
	for _, n := range names {
		k := n
		if t.fold {
			k = strings.ToLower(n)
		}
		if seen[k] {
			continue
		}
		seen[k] = true
		if id, ok := cache.Lookup(n); ok {
			result[n] = id
		} else {
			pending = append(pending, n)
		}
	}

	for len(pending) > 0 {
		found, err := selectNames(ctx, tx, t, pending)
		if err != nil {
			return nil, err
		}
		var missing []string
		for _, n := range pending {
			k := n
			if t.fold {
				k = strings.ToLower(n)
			}
			if id, ok := found[k]; ok {
				result[n] = id
				cache.Add(n, id)
			} else {
				missing = append(missing, n)
			}
		}
		if len(missing) == 0 {
			break
		}
		_, err = withSavepoint(ctx, tx, t.constraint, func(sp pgx.Tx) error {
			rows := make([][]any, len(missing))
			for i, n := range missing {
				rows[i] = []any{n}
			}
			_, err := sp.CopyFrom(ctx, pgx.Identifier{t.table}, []string{"name"}, pgx.CopyFromRows(rows))
			return err
		})
		if err != nil {
			return nil, dbError("insert into "+t.table, err)
		}
		// whether our insert won or lost the race, the next select pass
		// sees the surviving rows
		pending = missing
	}
	return result, nil
}

func selectNames(ctx context.Context, tx pgx.Tx, t nameTable, names []string) (map[string]int, error) {
	q := fmt.Sprintf(`SELECT id, name FROM %s WHERE name = ANY($1)`, t.table)
	arg := names
	if t.fold {
		q = fmt.Sprintf(`SELECT id, name FROM %s WHERE lower(name) = ANY($1)`, t.table)
		arg = make([]string, len(names))
		for i, n := range names {
			arg[i] = strings.ToLower(n)
		}
	}
	rows, err := tx.Query(ctx, q, arg)
	if err != nil {
		return nil, dbError("select from "+t.table, err)
	}
	defer rows.Close()
	found := make(map[string]int)
	for rows.Next() {
		var id int
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, dbError("scan "+t.table, err)
		}
		if t.fold {
			name = strings.ToLower(name)
		}
		found[name] = id
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("select from "+t.table, err)
	}
	return found, nil
}

// resolveAddresses maps addresses to their ids, inserting missing ones. The
// cache is per-transaction: address rows can be garbage-collected between
// transactions, so ids must not outlive the transaction that saw them.
// Addresses are handled in batches to bound statement size.
func resolveAddresses(ctx context.Context, tx pgx.Tx, cache map[string]int, addrs []*mime.Address) error {
	var pending []*mime.Address
	seen := make(map[string]bool)
	for _, a := range addrs {
		k := a.Key()
		if seen[k] || cache != nil && hasKey(cache, k) {
			continue
		}
		seen[k] = true
		pending = append(pending, a)
	}

	for len(pending) > 0 {
		batch := pending
		if len(batch) > addressBatch {
			batch = batch[:addressBatch]
		}
		missing, err := selectAddresses(ctx, tx, cache, batch)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			pending = pending[len(batch):]
			continue
		}
		_, err = withSavepoint(ctx, tx, "addresses_nld_key", func(sp pgx.Tx) error {
			rows := make([][]any, len(missing))
			for i, a := range missing {
				rows[i] = []any{a.Name, a.Localpart, a.Domain}
			}
			_, err := sp.CopyFrom(ctx, pgx.Identifier{"addresses"},
				[]string{"name", "localpart", "domain"}, pgx.CopyFromRows(rows))
			return err
		})
		if err != nil {
			return dbError("insert addresses", err)
		}
		// re-select the same batch; winners of a race are visible now
	}
	return nil
}

func hasKey(m map[string]int, k string) bool {
	_, ok := m[k]
	return ok
}

func selectAddresses(ctx context.Context, tx pgx.Tx, cache map[string]int, batch []*mime.Address) ([]*mime.Address, error) {
	names := make([]string, len(batch))
	localparts := make([]string, len(batch))
	domains := make([]string, len(batch))
	for i, a := range batch {
		names[i] = a.Name
		localparts[i] = a.Localpart
		domains[i] = strings.ToLower(a.Domain)
	}
	rows, err := tx.Query(ctx,
		`SELECT id, name, localpart, domain FROM addresses
		 WHERE (name, localpart, lower(domain)) IN
		       (SELECT * FROM unnest($1::text[], $2::text[], $3::text[]))`,
		names, localparts, domains)
	if err != nil {
		return nil, dbError("select addresses", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		a := &mime.Address{}
		if err := rows.Scan(&id, &a.Name, &a.Localpart, &a.Domain); err != nil {
			return nil, dbError("scan address", err)
		}
		cache[a.Key()] = id
	}
	if err := rows.Err(); err != nil {
		return nil, dbError("select addresses", err)
	}
	var missing []*mime.Address
	for _, a := range batch {
		if !hasKey(cache, a.Key()) {
			missing = append(missing, a)
		}
	}
	return missing, nil
}
