package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // SQLite driver registration.

	"github.com/ienone/VaultStream-sub000/internal/model"
	"github.com/ienone/VaultStream-sub000/migrations"
)

const timeLayout = "2006-01-02T15:04:05.000Z"

// SQLite implements Storage backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at dsn and runs pending migrations.
func NewSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite prefers a single writer; in-process serialization beats
	// SQLITE_BUSY retries.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if err := migrations.Run(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// CreateDestination inserts a new destination and populates its ID and CreatedAt.
func (s *SQLite) CreateDestination(ctx context.Context, d *model.Destination) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO destinations (name, transport, chat_id, nsfw_policy, nsfw_fallback_id, tag_filter, priority, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.Name, string(d.Transport), d.ChatID, string(d.NSFWPolicy), d.NSFWFallbackID,
		encodeTags(d.TagFilter), d.Priority, boolToInt(d.Enabled), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert destination: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	d.ID = id
	d.CreatedAt = now.Truncate(time.Millisecond)
	return nil
}

// GetDestination returns a single destination by its ID.
func (s *SQLite) GetDestination(ctx context.Context, id int64) (*model.Destination, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, transport, chat_id, nsfw_policy, nsfw_fallback_id, tag_filter, priority, enabled, created_at
		 FROM destinations WHERE id = ?`, id,
	)
	d, err := scanDestination(row)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// ListDestinations returns all destinations ordered by priority then ID.
func (s *SQLite) ListDestinations(ctx context.Context) ([]model.Destination, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, transport, chat_id, nsfw_policy, nsfw_fallback_id, tag_filter, priority, enabled, created_at
		 FROM destinations ORDER BY priority DESC, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("query destinations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.Destination
	for rows.Next() {
		d, err := scanDestination(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// UpdateDestination persists changes to an existing destination.
func (s *SQLite) UpdateDestination(ctx context.Context, d *model.Destination) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE destinations SET name = ?, transport = ?, chat_id = ?, nsfw_policy = ?,
		        nsfw_fallback_id = ?, tag_filter = ?, priority = ?, enabled = ?
		 WHERE id = ?`,
		d.Name, string(d.Transport), d.ChatID, string(d.NSFWPolicy), d.NSFWFallbackID,
		encodeTags(d.TagFilter), d.Priority, boolToInt(d.Enabled), d.ID,
	)
	if err != nil {
		return fmt.Errorf("update destination: %w", err)
	}
	return requireAffected(res)
}

// DeleteDestination removes a destination and its target bindings.
func (s *SQLite) DeleteDestination(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE destination_id = ?`, id); err != nil {
		return fmt.Errorf("delete targets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM destinations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete destination: %w", err)
	}
	return tx.Commit()
}

// CreateRule inserts a new rule and populates its ID and CreatedAt.
func (s *SQLite) CreateRule(ctx context.Context, r *model.DistributionRule) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rules (name, include_tags, exclude_tags, tag_mode, platform, priority,
		                    nsfw_policy, approval_required, rate_max, rate_window_seconds, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Name, encodeTags(r.IncludeTags), encodeTags(r.ExcludeTags), string(r.TagMode), r.Platform, r.Priority,
		string(r.NSFWPolicy), boolToInt(r.ApprovalRequired), r.RateMax, r.RateWindowSeconds,
		boolToInt(r.Enabled), now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert rule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	r.ID = id
	r.CreatedAt = now.Truncate(time.Millisecond)
	return nil
}

// GetRule returns a single rule by its ID.
func (s *SQLite) GetRule(ctx context.Context, id int64) (*model.DistributionRule, error) {
	row := s.db.QueryRowContext(ctx, ruleSelect+` WHERE id = ?`, id)
	return scanRule(row)
}

// ListRules returns all rules sorted by priority desc, then ID.
func (s *SQLite) ListRules(ctx context.Context) ([]model.DistributionRule, error) {
	return s.queryRules(ctx, ruleSelect+` ORDER BY priority DESC, id ASC`)
}

// ListEnabledRules returns enabled rules in evaluation order
// (priority desc, ties broken by ascending ID).
func (s *SQLite) ListEnabledRules(ctx context.Context) ([]model.DistributionRule, error) {
	return s.queryRules(ctx, ruleSelect+` WHERE enabled = 1 ORDER BY priority DESC, id ASC`)
}

const ruleSelect = `SELECT id, name, include_tags, exclude_tags, tag_mode, platform, priority,
       nsfw_policy, approval_required, rate_max, rate_window_seconds, enabled, created_at
  FROM rules`

func (s *SQLite) queryRules(ctx context.Context, q string, args ...any) ([]model.DistributionRule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query rules: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DistributionRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// UpdateRule persists changes to an existing rule.
func (s *SQLite) UpdateRule(ctx context.Context, r *model.DistributionRule) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE rules SET name = ?, include_tags = ?, exclude_tags = ?, tag_mode = ?, platform = ?,
		        priority = ?, nsfw_policy = ?, approval_required = ?, rate_max = ?, rate_window_seconds = ?, enabled = ?
		 WHERE id = ?`,
		r.Name, encodeTags(r.IncludeTags), encodeTags(r.ExcludeTags), string(r.TagMode), r.Platform,
		r.Priority, string(r.NSFWPolicy), boolToInt(r.ApprovalRequired), r.RateMax, r.RateWindowSeconds,
		boolToInt(r.Enabled), r.ID,
	)
	if err != nil {
		return fmt.Errorf("update rule: %w", err)
	}
	return requireAffected(res)
}

// DeleteRule removes a rule and its targets.
func (s *SQLite) DeleteRule(ctx context.Context, id int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM targets WHERE rule_id = ?`, id); err != nil {
		return fmt.Errorf("delete targets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete rule: %w", err)
	}
	return tx.Commit()
}

// CreateTarget inserts a new target binding.
func (s *SQLite) CreateTarget(ctx context.Context, t *model.DistributionTarget) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO targets (rule_id, destination_id, enabled, merge_forward, use_author_name, render_override, position, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.RuleID, t.DestinationID, boolToInt(t.Enabled), boolToInt(t.MergeForward),
		boolToInt(t.UseAuthorName), t.RenderOverride, t.Position, now.Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("insert target: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("last insert id: %w", err)
	}
	t.ID = id
	t.CreatedAt = now.Truncate(time.Millisecond)
	return nil
}

const targetSelect = `SELECT id, rule_id, destination_id, enabled, merge_forward, use_author_name, render_override, position, created_at
  FROM targets`

// GetTarget returns a single target by its ID.
func (s *SQLite) GetTarget(ctx context.Context, id int64) (*model.DistributionTarget, error) {
	row := s.db.QueryRowContext(ctx, targetSelect+` WHERE id = ?`, id)
	return scanTarget(row)
}

// ListTargets returns all targets of a rule in position order.
func (s *SQLite) ListTargets(ctx context.Context, ruleID int64) ([]model.DistributionTarget, error) {
	return s.queryTargets(ctx, targetSelect+` WHERE rule_id = ? ORDER BY position, id`, ruleID)
}

// ListEnabledTargets returns a rule's enabled targets in position order.
func (s *SQLite) ListEnabledTargets(ctx context.Context, ruleID int64) ([]model.DistributionTarget, error) {
	return s.queryTargets(ctx, targetSelect+` WHERE rule_id = ? AND enabled = 1 ORDER BY position, id`, ruleID)
}

func (s *SQLite) queryTargets(ctx context.Context, q string, args ...any) ([]model.DistributionTarget, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query targets: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []model.DistributionTarget
	for rows.Next() {
		t, err := scanTarget(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// UpdateTarget persists changes to an existing target.
func (s *SQLite) UpdateTarget(ctx context.Context, t *model.DistributionTarget) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE targets SET enabled = ?, merge_forward = ?, use_author_name = ?, render_override = ?, position = ?
		 WHERE id = ?`,
		boolToInt(t.Enabled), boolToInt(t.MergeForward), boolToInt(t.UseAuthorName),
		t.RenderOverride, t.Position, t.ID,
	)
	if err != nil {
		return fmt.Errorf("update target: %w", err)
	}
	return requireAffected(res)
}

// DeleteTarget removes a target binding.
func (s *SQLite) DeleteTarget(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM targets WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}

// PutContent stores or refreshes an admitted content item.
func (s *SQLite) PutContent(ctx context.Context, c *model.ContentItem) error {
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now.Truncate(time.Millisecond)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO contents (id, platform, tags, nsfw, author_name, media_refs, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET platform = excluded.platform, tags = excluded.tags,
		   nsfw = excluded.nsfw, author_name = excluded.author_name, media_refs = excluded.media_refs`,
		c.ID, c.Platform, encodeTags(c.Tags), boolToInt(c.NSFW), c.AuthorName,
		encodeTags(c.MediaRefs), c.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("put content: %w", err)
	}
	return nil
}

// GetContent returns a content item by its ID.
func (s *SQLite) GetContent(ctx context.Context, id string) (*model.ContentItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, platform, tags, nsfw, author_name, media_refs, created_at FROM contents WHERE id = ?`, id,
	)
	var c model.ContentItem
	var tags, refs, created string
	var nsfw int
	err := row.Scan(&c.ID, &c.Platform, &tags, &nsfw, &c.AuthorName, &refs, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan content: %w", err)
	}
	c.Tags = decodeTags(tags)
	c.MediaRefs = decodeTags(refs)
	c.NSFW = nsfw == 1
	c.CreatedAt, _ = time.Parse(timeLayout, created)
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func encodeTags(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	b, err := json.Marshal(tags)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeTags(s string) []string {
	if s == "" || s == "[]" {
		return nil
	}
	var tags []string
	if err := json.Unmarshal([]byte(s), &tags); err != nil {
		return nil
	}
	return tags
}

func requireAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanDestination(row scannable) (*model.Destination, error) {
	var d model.Destination
	var enabled int
	var fallback sql.NullInt64
	var tagFilter, created string
	var transport, policy string
	err := row.Scan(&d.ID, &d.Name, &transport, &d.ChatID, &policy, &fallback, &tagFilter, &d.Priority, &enabled, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan destination: %w", err)
	}
	d.Transport = model.TransportType(transport)
	d.NSFWPolicy = model.DestNSFWPolicy(policy)
	if fallback.Valid {
		v := fallback.Int64
		d.NSFWFallbackID = &v
	}
	d.TagFilter = decodeTags(tagFilter)
	d.Enabled = enabled == 1
	d.CreatedAt, _ = time.Parse(timeLayout, created)
	return &d, nil
}

func scanRule(row scannable) (*model.DistributionRule, error) {
	var r model.DistributionRule
	var include, exclude, mode, policy, created string
	var approval, enabled int
	err := row.Scan(&r.ID, &r.Name, &include, &exclude, &mode, &r.Platform, &r.Priority,
		&policy, &approval, &r.RateMax, &r.RateWindowSeconds, &enabled, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan rule: %w", err)
	}
	r.IncludeTags = decodeTags(include)
	r.ExcludeTags = decodeTags(exclude)
	r.TagMode = model.TagMatchMode(mode)
	r.NSFWPolicy = model.RuleNSFWPolicy(policy)
	r.ApprovalRequired = approval == 1
	r.Enabled = enabled == 1
	r.CreatedAt, _ = time.Parse(timeLayout, created)
	return &r, nil
}

func scanTarget(row scannable) (*model.DistributionTarget, error) {
	var t model.DistributionTarget
	var enabled, merge, author int
	var created string
	err := row.Scan(&t.ID, &t.RuleID, &t.DestinationID, &enabled, &merge, &author, &t.RenderOverride, &t.Position, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan target: %w", err)
	}
	t.Enabled = enabled == 1
	t.MergeForward = merge == 1
	t.UseAuthorName = author == 1
	t.CreatedAt, _ = time.Parse(timeLayout, created)
	return &t, nil
}
