package memory

import (
	"context"
	"database/sql"
	"fmt"
)

// Dirty queue names double as their table names. Tables are interpolated
// into SQL, so the names are validated against this fixed set.
const (
	QueueGroupCapsule = "group_capsule_dirty"
	QueuePublicStyle  = "public_style_dirty"
)

// Claim limits per queue; a consolidation pass never bites off more.
const (
	maxClaimGroupCapsule = 50
	maxClaimPublicStyle  = 200
)

func validQueue(queue string) error {
	switch queue {
	case QueueGroupCapsule, QueuePublicStyle:
		return nil
	}
	return fmt.Errorf("unknown dirty queue %q", queue)
}

func claimCap(queue string) int {
	if queue == QueuePublicStyle {
		return maxClaimPublicStyle
	}
	return maxClaimGroupCapsule
}

// MarkDirty records that key needs consolidation. Bursts coalesce into one
// row: dirty_at_ms keeps the earliest mark, dirty_last_at_ms the latest.
func (s *Store) MarkDirty(ctx context.Context, queue, key string) error {
	if err := validQueue(queue); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return markDirtyTx(ctx, tx, queue, key, s.nowMs())
	})
	if err != nil {
		return fmt.Errorf("mark dirty: %w", err)
	}
	return nil
}

func markDirtyTx(ctx context.Context, tx *sql.Tx, queue, key string, nowMs int64) error {
	stmt := fmt.Sprintf(`INSERT INTO %s (key, dirty_at_ms, dirty_last_at_ms) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			dirty_at_ms = MIN(dirty_at_ms, excluded.dirty_at_ms),
			dirty_last_at_ms = MAX(dirty_last_at_ms, excluded.dirty_last_at_ms)`, queue)
	_, err := tx.ExecContext(ctx, stmt, key, nowMs, nowMs)
	return err
}

// DirtyClaim is a leased work item. ClaimedAtMs is what Complete compares
// against, so carry it through the whole consolidation pass.
type DirtyClaim struct {
	Key         string
	ClaimedAtMs int64
}

// ClaimDirty leases up to limit keys from the queue, oldest dirt first.
// Rows already under a live lease are skipped; an expired lease (older than
// the lease window) is claimable again, which is how work survives a worker
// crash. Selection and claim-stamping happen in one transaction.
func (s *Store) ClaimDirty(ctx context.Context, queue string, limit int) ([]DirtyClaim, error) {
	if err := validQueue(queue); err != nil {
		return nil, err
	}
	if hardCap := claimCap(queue); limit <= 0 || limit > hardCap {
		limit = hardCap
	}
	now := s.nowMs()
	cutoff := now - s.lease.Milliseconds()

	var claims []DirtyClaim
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, fmt.Sprintf(
			`SELECT key FROM %s
			 WHERE claimed_at_ms IS NULL OR claimed_at_ms < ?
			 ORDER BY dirty_at_ms ASC LIMIT ?`, queue), cutoff, limit)
		if err != nil {
			return err
		}
		var keys []string
		for rows.Next() {
			var k string
			if err := rows.Scan(&k); err != nil {
				rows.Close()
				return err
			}
			keys = append(keys, k)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		for _, k := range keys {
			if _, err := tx.ExecContext(ctx, fmt.Sprintf(
				"UPDATE %s SET claimed_at_ms = ? WHERE key = ?", queue), now, k); err != nil {
				return err
			}
			claims = append(claims, DirtyClaim{Key: k, ClaimedAtMs: now})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim dirty: %w", err)
	}
	return claims, nil
}

// CompleteDirty finishes a leased item. The row is deleted only when no new
// dirtying arrived during the lease; otherwise the claim is released so the
// next claimer reprocesses the key with the fresh dirt included.
func (s *Store) CompleteDirty(ctx context.Context, queue, key string) error {
	if err := validQueue(queue); err != nil {
		return err
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %s
			 WHERE key = ? AND claimed_at_ms IS NOT NULL
			   AND COALESCE(dirty_last_at_ms, dirty_at_ms) <= claimed_at_ms`, queue), key)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n > 0 {
			return nil
		}
		_, err = tx.ExecContext(ctx, fmt.Sprintf(
			"UPDATE %s SET claimed_at_ms = NULL WHERE key = ?", queue), key)
		return err
	})
	if err != nil {
		return fmt.Errorf("complete dirty: %w", err)
	}
	return nil
}

// ReleaseDirty drops the lease without completing, e.g. when consolidation
// failed and the key should be retried promptly.
func (s *Store) ReleaseDirty(ctx context.Context, queue, key string) error {
	if err := validQueue(queue); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(
		"UPDATE %s SET claimed_at_ms = NULL WHERE key = ?", queue), key)
	if err != nil {
		return fmt.Errorf("release dirty: %w", err)
	}
	return nil
}

// DirtyCount returns the number of pending keys in the queue.
func (s *Store) DirtyCount(ctx context.Context, queue string) (int, error) {
	if err := validQueue(queue); err != nil {
		return 0, err
	}
	return s.countRows(ctx, queue)
}
