package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ienone/VaultStream-sub000/internal/model"
)

const queueSelect = `SELECT id, content_id, rule_id, destination_id, status, reason_code,
       scheduled_at, completed_at, priority, order_index, attempts, created_at, updated_at
  FROM queue_items`

// UpsertQueueItem inserts or updates the queue item identified by the
// (content, rule, destination) tuple. An existing row that is already
// pushed is left untouched and reported via skipped. A row entering
// will_push gets a fresh schedule and the destination's tail order index;
// a row that already is will_push keeps both, so re-evaluation is
// idempotent.
func (s *SQLite) UpsertQueueItem(ctx context.Context, d QueueDraft) (*model.QueueItem, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC().Truncate(time.Millisecond)

	row := tx.QueryRowContext(ctx,
		queueSelect+` WHERE content_id = ? AND rule_id = ? AND destination_id = ?`,
		d.ContentID, d.RuleID, d.DestinationID,
	)
	existing, err := scanQueueItem(row)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	if existing == nil {
		it := &model.QueueItem{
			ContentID:     d.ContentID,
			RuleID:        d.RuleID,
			DestinationID: d.DestinationID,
			Status:        d.Status,
			Reason:        d.Reason,
			Priority:      d.Priority,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if d.Status == model.StatusWillPush {
			it.ScheduledAt = d.ScheduledAt
			idx, err := nextOrderIndexTx(ctx, tx, d.DestinationID)
			if err != nil {
				return nil, false, err
			}
			it.OrderIndex = idx
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO queue_items (content_id, rule_id, destination_id, status, reason_code,
			        scheduled_at, completed_at, priority, order_index, attempts, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, 0, ?, ?)`,
			it.ContentID, it.RuleID, it.DestinationID, string(it.Status), string(it.Reason),
			nullTime(it.ScheduledAt), it.Priority, it.OrderIndex,
			now.Format(timeLayout), now.Format(timeLayout),
		)
		if err != nil {
			return nil, false, fmt.Errorf("insert queue item: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return nil, false, fmt.Errorf("last insert id: %w", err)
		}
		it.ID = id
		if err := tx.Commit(); err != nil {
			return nil, false, fmt.Errorf("commit: %w", err)
		}
		return it, false, nil
	}

	if existing.Status == model.StatusPushed {
		// Completed work is never resurrected by re-evaluation.
		return existing, true, nil
	}

	it := *existing
	it.Reason = d.Reason
	it.Priority = d.Priority
	it.UpdatedAt = now
	if d.Status == model.StatusWillPush {
		if existing.Status != model.StatusWillPush {
			it.ScheduledAt = d.ScheduledAt
			it.Attempts = 0
			idx, err := nextOrderIndexTx(ctx, tx, d.DestinationID)
			if err != nil {
				return nil, false, err
			}
			it.OrderIndex = idx
		}
	} else {
		it.ScheduledAt = nil
		it.OrderIndex = 0
	}
	it.Status = d.Status

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, reason_code = ?, scheduled_at = ?, priority = ?,
		        order_index = ?, attempts = ?, updated_at = ?
		 WHERE id = ?`,
		string(it.Status), string(it.Reason), nullTime(it.ScheduledAt), it.Priority,
		it.OrderIndex, it.Attempts, now.Format(timeLayout), it.ID,
	); err != nil {
		return nil, false, fmt.Errorf("update queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit: %w", err)
	}
	return &it, false, nil
}

// GetQueueItem returns a single queue item by its ID.
func (s *SQLite) GetQueueItem(ctx context.Context, id int64) (*model.QueueItem, error) {
	row := s.db.QueryRowContext(ctx, queueSelect+` WHERE id = ?`, id)
	return scanQueueItem(row)
}

// ListQueueItems returns queue items, optionally filtered by status, newest
// first, with limit/offset pagination.
func (s *SQLite) ListQueueItems(ctx context.Context, status model.Status, limit, offset int) ([]model.QueueItem, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q := queueSelect
	args := []any{}
	if status != "" {
		q += ` WHERE status = ?`
		args = append(args, string(status))
	}
	q += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)
	return s.queryQueueItems(ctx, q, args...)
}

// DueQueueItems returns will_push items whose schedule has arrived,
// ordered by (destination, order index).
func (s *SQLite) DueQueueItems(ctx context.Context, now time.Time) ([]model.QueueItem, error) {
	return s.queryQueueItems(ctx,
		queueSelect+` WHERE status = ? AND scheduled_at IS NOT NULL AND scheduled_at <= ?
		 ORDER BY destination_id, order_index, id`,
		string(model.StatusWillPush), now.UTC().Format(timeLayout),
	)
}

func (s *SQLite) queryQueueItems(ctx context.Context, q string, args ...any) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query queue items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// UpdateQueueItem persists a queue item's mutable fields.
func (s *SQLite) UpdateQueueItem(ctx context.Context, it *model.QueueItem) error {
	it.UpdatedAt = time.Now().UTC().Truncate(time.Millisecond)
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_items SET status = ?, reason_code = ?, scheduled_at = ?, completed_at = ?,
		        priority = ?, order_index = ?, attempts = ?, updated_at = ?
		 WHERE id = ?`,
		string(it.Status), string(it.Reason), nullTime(it.ScheduledAt), nullTime(it.CompletedAt),
		it.Priority, it.OrderIndex, it.Attempts, it.UpdatedAt.Format(timeLayout), it.ID,
	)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	return requireAffected(res)
}

// ReorderQueueItem moves a will_push item to newIndex (1-based) within its
// destination's pending set, shifting the intervening items. The splice is
// applied in one transaction so partial reorders are never observable.
func (s *SQLite) ReorderQueueItem(ctx context.Context, id int64, newIndex int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, queueSelect+` WHERE id = ?`, id)
	it, err := scanQueueItem(row)
	if err != nil {
		return err
	}
	if it.Status != model.StatusWillPush {
		return fmt.Errorf("item %d is %s, only will_push items can be reordered", id, it.Status)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM queue_items WHERE destination_id = ? AND status = ? ORDER BY order_index, id`,
		it.DestinationID, string(model.StatusWillPush),
	)
	if err != nil {
		return fmt.Errorf("query pending set: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var v int64
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("scan id: %w", err)
		}
		ids = append(ids, v)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate pending set: %w", err)
	}

	ids = splice(ids, id, newIndex)

	now := time.Now().UTC().Format(timeLayout)
	for pos, v := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_items SET order_index = ?, updated_at = ? WHERE id = ?`,
			pos+1, now, v,
		); err != nil {
			return fmt.Errorf("renumber item %d: %w", v, err)
		}
	}
	return tx.Commit()
}

// splice removes id from its slot and reinserts it at newIndex (1-based,
// clamped to the list bounds).
func splice(ids []int64, id int64, newIndex int) []int64 {
	rest := make([]int64, 0, len(ids))
	for _, v := range ids {
		if v != id {
			rest = append(rest, v)
		}
	}
	if newIndex < 1 {
		newIndex = 1
	}
	if newIndex > len(rest)+1 {
		newIndex = len(rest) + 1
	}
	out := make([]int64, 0, len(rest)+1)
	out = append(out, rest[:newIndex-1]...)
	out = append(out, id)
	out = append(out, rest[newIndex-1:]...)
	return out
}

// NextOrderIndex returns the tail order index for a destination's
// will_push set.
func (s *SQLite) NextOrderIndex(ctx context.Context, destinationID int64) (int, error) {
	var idx int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(order_index), 0) + 1 FROM queue_items WHERE destination_id = ? AND status = ?`,
		destinationID, string(model.StatusWillPush),
	).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("next order index: %w", err)
	}
	return idx, nil
}

func nextOrderIndexTx(ctx context.Context, tx *sql.Tx, destinationID int64) (int, error) {
	var idx int
	err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(order_index), 0) + 1 FROM queue_items WHERE destination_id = ? AND status = ?`,
		destinationID, string(model.StatusWillPush),
	).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("next order index: %w", err)
	}
	return idx, nil
}

// IncrementAttempts bumps an item's attempt counter and returns the new value.
func (s *SQLite) IncrementAttempts(ctx context.Context, id int64) (int, error) {
	now := time.Now().UTC().Format(timeLayout)
	var attempts int
	err := s.db.QueryRowContext(ctx,
		`UPDATE queue_items SET attempts = attempts + 1, updated_at = ? WHERE id = ? RETURNING attempts`,
		now, id,
	).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	return attempts, nil
}

// AppendPushRecord appends one delivery attempt log entry.
func (s *SQLite) AppendPushRecord(ctx context.Context, r *model.PushRecord) error {
	now := time.Now().UTC().Truncate(time.Millisecond)
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO push_records (queue_item_id, destination_id, external_message_id, status, error_message, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		r.QueueItemID, r.DestinationID, r.ExternalMessageID, string(r.Status), r.ErrorMessage,
		r.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert push record: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	return nil
}

// ListPushRecords returns an item's delivery attempts oldest first.
func (s *SQLite) ListPushRecords(ctx context.Context, queueItemID int64) ([]model.PushRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, queue_item_id, destination_id, external_message_id, status, error_message, created_at
		 FROM push_records WHERE queue_item_id = ? ORDER BY id`, queueItemID,
	)
	if err != nil {
		return nil, fmt.Errorf("query push records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.PushRecord
	for rows.Next() {
		var r model.PushRecord
		var status, created string
		if err := rows.Scan(&r.ID, &r.QueueItemID, &r.DestinationID, &r.ExternalMessageID, &status, &r.ErrorMessage, &created); err != nil {
			return nil, fmt.Errorf("scan push record: %w", err)
		}
		r.Status = model.PushStatus(status)
		r.CreatedAt, _ = time.Parse(timeLayout, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// RateCount returns the dispatch count recorded for a rule's window.
func (s *SQLite) RateCount(ctx context.Context, ruleID, windowStart int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(count), 0) FROM rate_windows WHERE rule_id = ? AND window_start = ?`,
		ruleID, windowStart,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("rate count: %w", err)
	}
	return count, nil
}

// RateTryConsume atomically increments the window counter unless max is
// already reached. The increment-and-compare is a single statement so two
// concurrent dispatch attempts can never both take the last slot.
func (s *SQLite) RateTryConsume(ctx context.Context, ruleID, windowStart int64, max int) (bool, error) {
	if max <= 0 {
		return false, nil
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rate_windows (rule_id, window_start, count) VALUES (?, ?, 1)
		 ON CONFLICT(rule_id, window_start) DO UPDATE SET count = count + 1
		 WHERE rate_windows.count < ?`,
		ruleID, windowStart, max,
	)
	if err != nil {
		return false, fmt.Errorf("rate consume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return n > 0, nil
}

// RateRelease returns one slot to the window, used when a gated send fails.
func (s *SQLite) RateRelease(ctx context.Context, ruleID, windowStart int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE rate_windows SET count = count - 1 WHERE rule_id = ? AND window_start = ? AND count > 0`,
		ruleID, windowStart,
	)
	if err != nil {
		return fmt.Errorf("rate release: %w", err)
	}
	return nil
}

// QueueStats aggregates queue item counts by status, reason, and rule.
func (s *SQLite) QueueStats(ctx context.Context) (*model.QueueStats, error) {
	stats := &model.QueueStats{
		ByStatus: map[model.Status]int{},
		ByReason: map[model.ReasonCode]int{},
	}

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM queue_items GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query status counts: %w", err)
	}
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[model.Status(st)] = n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT reason_code, COUNT(*) FROM queue_items WHERE reason_code != '' GROUP BY reason_code`)
	if err != nil {
		return nil, fmt.Errorf("query reason counts: %w", err)
	}
	for rows.Next() {
		var rc string
		var n int
		if err := rows.Scan(&rc, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan reason count: %w", err)
		}
		stats.ByReason[model.ReasonCode(rc)] = n
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = s.db.QueryContext(ctx,
		`SELECT rule_id,
		        SUM(status = 'will_push'), SUM(status = 'filtered'),
		        SUM(status = 'pending_review'), SUM(status = 'pushed'),
		        SUM(reason_code = 'rate_limited')
		 FROM queue_items GROUP BY rule_id ORDER BY rule_id`)
	if err != nil {
		return nil, fmt.Errorf("query rule counts: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var rs model.RuleStats
		if err := rows.Scan(&rs.RuleID, &rs.WillPush, &rs.Filtered, &rs.Pending, &rs.Pushed, &rs.RateLimited); err != nil {
			return nil, fmt.Errorf("scan rule count: %w", err)
		}
		stats.ByRule = append(stats.ByRule, rs)
	}
	return stats, rows.Err()
}

// PruneTerminalItems deletes pushed and filtered items last touched before
// the cutoff, together with their push records.
func (s *SQLite) PruneTerminalItems(ctx context.Context, olderThan time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	cutoff := olderThan.UTC().Format(timeLayout)
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM push_records WHERE queue_item_id IN
		   (SELECT id FROM queue_items WHERE status IN ('pushed', 'filtered') AND updated_at < ?)`,
		cutoff,
	); err != nil {
		return 0, fmt.Errorf("prune push records: %w", err)
	}
	res, err := tx.ExecContext(ctx,
		`DELETE FROM queue_items WHERE status IN ('pushed', 'filtered') AND updated_at < ?`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("prune queue items: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, tx.Commit()
}

// PrunePushRecords deletes delivery log entries older than the cutoff.
func (s *SQLite) PrunePushRecords(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM push_records WHERE created_at < ?`, olderThan.UTC().Format(timeLayout),
	)
	if err != nil {
		return 0, fmt.Errorf("prune push records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// PruneRateWindows deletes counters for windows that started before the cutoff.
func (s *SQLite) PruneRateWindows(ctx context.Context, olderThan int64) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM rate_windows WHERE window_start < ?`, olderThan,
	)
	if err != nil {
		return 0, fmt.Errorf("prune rate windows: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func scanQueueItem(row scannable) (*model.QueueItem, error) {
	var it model.QueueItem
	var status, reason string
	var scheduled, completed sql.NullString
	var created, updated string
	err := row.Scan(&it.ID, &it.ContentID, &it.RuleID, &it.DestinationID, &status, &reason,
		&scheduled, &completed, &it.Priority, &it.OrderIndex, &it.Attempts, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan queue item: %w", err)
	}
	it.Status = model.Status(status)
	it.Reason = model.ReasonCode(reason)
	if scheduled.Valid {
		t, _ := time.Parse(timeLayout, scheduled.String)
		it.ScheduledAt = &t
	}
	if completed.Valid {
		t, _ := time.Parse(timeLayout, completed.String)
		it.CompletedAt = &t
	}
	it.CreatedAt, _ = time.Parse(timeLayout, created)
	it.UpdatedAt, _ = time.Parse(timeLayout, updated)
	return &it, nil
}
