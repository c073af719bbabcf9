package storage

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/burrowci/burrow/pkg/errdefs"
	"github.com/burrowci/burrow/pkg/types"
)

type auditRow struct {
	Seq      int64  `db:"seq"`
	Actor    string `db:"actor"`
	Action   string `db:"action"`
	Resource string `db:"resource"`
	Outcome  string `db:"outcome"`
	TS       int64  `db:"ts"`
	PrevHash string `db:"prev_hash"`
	Hash     string `db:"hash"`
}

func auditHash(prevHash, actor, action, resource, outcome string, ts int64) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		prevHash, actor, action, resource, outcome, ts)))
	return hex.EncodeToString(sum[:])
}

// AppendAudit writes the next entry of the append-only audit chain. Appends
// are serialized so each entry hashes over its exact predecessor.
func (s *SQLStore) AppendAudit(ctx context.Context, actor, action, resource, outcome string) (*types.AuditEntry, error) {
	s.auditMu.Lock()
	defer s.auditMu.Unlock()

	db := s.primary()

	var last auditRow
	err := db.GetContext(ctx, &last, `SELECT * FROM audit_entries ORDER BY seq DESC LIMIT 1`)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, errdefs.Internal(err, "store_failure", "loading audit head")
	}

	entry := auditRow{
		Seq:      last.Seq + 1,
		Actor:    actor,
		Action:   action,
		Resource: resource,
		Outcome:  outcome,
		TS:       time.Now().UnixMilli(),
		PrevHash: last.Hash,
	}
	entry.Hash = auditHash(entry.PrevHash, actor, action, resource, outcome, entry.TS)

	_, err = db.NamedExecContext(ctx, `
		INSERT INTO audit_entries (seq, actor, action, resource, outcome, ts, prev_hash, hash)
		VALUES (:seq, :actor, :action, :resource, :outcome, :ts, :prev_hash, :hash)`, entry)
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "appending audit entry %d", entry.Seq)
	}

	return &types.AuditEntry{
		Seq:       entry.Seq,
		Actor:     actor,
		Action:    action,
		Resource:  resource,
		Outcome:   outcome,
		Timestamp: fromMS(entry.TS),
		PrevHash:  entry.PrevHash,
		Hash:      entry.Hash,
	}, nil
}

func (s *SQLStore) ListAudit(ctx context.Context, limit int) ([]*types.AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	db := s.primary()
	var rows []auditRow
	err := db.SelectContext(ctx, &rows, db.Rebind(`
		SELECT * FROM audit_entries ORDER BY seq DESC LIMIT ?`), limit)
	if err != nil {
		return nil, errdefs.Internal(err, "store_failure", "listing audit entries")
	}
	out := make([]*types.AuditEntry, len(rows))
	for i, r := range rows {
		out[i] = &types.AuditEntry{
			Seq:       r.Seq,
			Actor:     r.Actor,
			Action:    r.Action,
			Resource:  r.Resource,
			Outcome:   r.Outcome,
			Timestamp: fromMS(r.TS),
			PrevHash:  r.PrevHash,
			Hash:      r.Hash,
		}
	}
	return out, nil
}

// VerifyAuditChain walks the chain in order and recomputes every hash.
// Returns the first sequence number that fails verification, or 0 when the
// chain is intact.
func (s *SQLStore) VerifyAuditChain(ctx context.Context) (int64, error) {
	db := s.primary()
	rows, err := db.QueryxContext(ctx, `SELECT * FROM audit_entries ORDER BY seq ASC`)
	if err != nil {
		return 0, errdefs.Internal(err, "store_failure", "reading audit chain")
	}
	defer rows.Close()

	prevHash := ""
	var prevSeq int64
	for rows.Next() {
		var r auditRow
		if err := rows.StructScan(&r); err != nil {
			return 0, errdefs.Internal(err, "store_failure", "scanning audit entry")
		}
		if r.Seq != prevSeq+1 {
			return r.Seq, nil
		}
		if r.PrevHash != prevHash {
			return r.Seq, nil
		}
		if auditHash(r.PrevHash, r.Actor, r.Action, r.Resource, r.Outcome, r.TS) != r.Hash {
			return r.Seq, nil
		}
		prevHash = r.Hash
		prevSeq = r.Seq
	}
	return 0, rows.Err()
}
