// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/fundguard/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// DefaultFlaggedLimit caps ListFlagged when the query sets no limit.
const DefaultFlaggedLimit = 200

// scanBatch is the page size used by ForEachCampaign.
const scanBatch = 500

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "mongo":
		return NewMongo(cfg)
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	if _, err := r.db.Exec(probeAuditSeq); err != nil {
		if _, err := r.db.Exec(addAuditSeq); err != nil {
			return fmt.Errorf("failed to add fraud_audit.seq: %w", err)
		}
	}
	return nil
}

// SaveCampaign upserts a campaign document. The fraud namespace is kept
// out of the document and left untouched.
func (r *SQLRepository) SaveCampaign(ctx context.Context, id string, campaign domain.Record) error {
	if id == "" {
		return fmt.Errorf("%w: campaign id is required", ErrInvalidInput)
	}

	doc, err := encodeDoc(campaign)
	if err != nil {
		return err
	}

	var createdUnix sql.NullInt64
	if t, ok := campaign.Time("created_at"); ok {
		createdUnix = sql.NullInt64{Int64: t.Unix(), Valid: true}
	}

	query := `
		INSERT INTO campaigns (id, creator_id, created_unix, doc, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			creator_id = excluded.creator_id,
			created_unix = excluded.created_unix,
			doc = excluded.doc,
			updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query),
		id, creatorOf(campaign), createdUnix, doc, time.Now().UTC(),
	)
	return err
}

// GetCampaign returns the campaign document with "_id" set and the fraud
// namespace, including its audit trail, under "fraud".
func (r *SQLRepository) GetCampaign(ctx context.Context, id string) (domain.Record, error) {
	var doc string
	var fraud sql.NullString

	query := `SELECT doc, fraud FROM campaigns WHERE id = ?`
	err := r.db.QueryRowContext(ctx, r.rebind(query), id).Scan(&doc, &fraud)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec, err := decodeDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse campaign %s: %w", id, err)
	}
	rec["_id"] = id

	audit, err := r.listAudit(ctx, id)
	if err != nil {
		return nil, err
	}
	if fraud.Valid || len(audit) > 0 {
		ns, err := decodeFraud(fraud)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fraud for %s: %w", id, err)
		}
		if len(audit) > 0 {
			ns["audit"] = audit
		}
		rec["fraud"] = ns
	}

	return rec, nil
}

// ForEachCampaign calls fn for every stored campaign in id order. Campaigns
// are read in pages so fn may write to the repository. Documents that fail to
// decode are logged and skipped.
func (r *SQLRepository) ForEachCampaign(ctx context.Context, fn func(id string, campaign domain.Record) error) error {
	query := r.rebind(`SELECT id, doc FROM campaigns WHERE id > ? ORDER BY id LIMIT ?`)
	after := ""

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		rows, err := r.db.QueryContext(ctx, query, after, scanBatch)
		if err != nil {
			return err
		}

		type row struct {
			id  string
			doc string
		}
		var page []row
		for rows.Next() {
			var p row
			if err := rows.Scan(&p.id, &p.doc); err != nil {
				rows.Close()
				return err
			}
			page = append(page, p)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return err
		}

		for _, p := range page {
			rec, err := decodeDoc(p.doc)
			if err != nil {
				slog.Warn("skipping undecodable campaign", "campaign_id", p.id, "error", err)
				continue
			}
			rec["_id"] = p.id
			if err := fn(p.id, rec); err != nil {
				return err
			}
		}

		if len(page) < scanBatch {
			return nil
		}
		after = page[len(page)-1].id
	}
}

// CountCampaignsByCreator counts campaigns by creatorID created at or after since.
func (r *SQLRepository) CountCampaignsByCreator(ctx context.Context, creatorID string, since time.Time) (int64, error) {
	if creatorID == "" {
		return 0, fmt.Errorf("%w: creator id is required", ErrInvalidInput)
	}

	query := `SELECT COUNT(*) FROM campaigns WHERE creator_id = ? AND created_unix >= ?`

	var n int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), creatorID, since.Unix()).Scan(&n)
	return n, err
}

// SaveUser upserts a user document.
func (r *SQLRepository) SaveUser(ctx context.Context, id string, user domain.Record) error {
	if id == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	doc, err := encodeDoc(user)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO users (id, doc, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at
	`

	_, err = r.db.ExecContext(ctx, r.rebind(query), id, doc, time.Now().UTC())
	return err
}

// GetUser retrieves a user document by id.
func (r *SQLRepository) GetUser(ctx context.Context, id string) (domain.Record, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, r.rebind(`SELECT doc FROM users WHERE id = ?`), id).Scan(&doc)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rec, err := decodeDoc(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse user %s: %w", id, err)
	}
	rec["_id"] = id
	return rec, nil
}

// SaveFraud replaces the campaign's fraud document and appends audit when
// it is non-nil. The campaign must exist.
func (r *SQLRepository) SaveFraud(ctx context.Context, campaignID string, doc *domain.FraudDoc, audit *domain.AuditEntry) error {
	if doc == nil {
		return fmt.Errorf("%w: fraud doc is required", ErrInvalidInput)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode fraud doc: %w", err)
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		query := `UPDATE campaigns SET fraud = ?, fraud_score = ?, fraud_status = ? WHERE id = ?`
		result, err := tx.ExecContext(ctx, r.rebind(query), string(data), doc.Score, string(doc.Status), campaignID)
		if err != nil {
			return err
		}
		if err := requireRow(result); err != nil {
			return err
		}
		return r.insertAudit(ctx, tx, campaignID, audit)
	})
}

// ApplyReview sets the fraud status and appends the audit entry. The score
// is never changed.
func (r *SQLRepository) ApplyReview(ctx context.Context, campaignID string, status domain.FraudStatus, audit *domain.AuditEntry) error {
	if status == "" {
		return fmt.Errorf("%w: status is required", ErrInvalidInput)
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		var fraud sql.NullString
		err := tx.QueryRowContext(ctx, r.rebind(`SELECT fraud FROM campaigns WHERE id = ?`), campaignID).Scan(&fraud)
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		ns, err := decodeFraud(fraud)
		if err != nil {
			return fmt.Errorf("failed to parse fraud for %s: %w", campaignID, err)
		}
		ns["status"] = string(status)
		data, err := json.Marshal(ns)
		if err != nil {
			return err
		}

		query := `UPDATE campaigns SET fraud = ?, fraud_status = ? WHERE id = ?`
		if _, err := tx.ExecContext(ctx, r.rebind(query), string(data), string(status), campaignID); err != nil {
			return err
		}
		return r.insertAudit(ctx, tx, campaignID, audit)
	})
}

// ListFlagged returns campaigns by fraud score descending. Listed fraud
// documents omit features_used and the audit trail.
func (r *SQLRepository) ListFlagged(ctx context.Context, q domain.FlaggedQuery) ([]domain.Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultFlaggedLimit
	}

	var sb strings.Builder
	sb.WriteString(`SELECT id, doc, fraud FROM campaigns WHERE fraud_score >= ?`)
	args := []any{q.MinScore}
	if q.Status != "" {
		sb.WriteString(` AND fraud_status = ?`)
		args = append(args, string(q.Status))
	}
	sb.WriteString(` ORDER BY fraud_score DESC, id LIMIT ?`)
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(sb.String()), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []domain.Record{}
	for rows.Next() {
		var id, doc string
		var fraud sql.NullString
		if err := rows.Scan(&id, &doc, &fraud); err != nil {
			return nil, err
		}

		rec, err := decodeDoc(doc)
		if err != nil {
			return nil, fmt.Errorf("failed to parse campaign %s: %w", id, err)
		}
		ns, err := decodeFraud(fraud)
		if err != nil {
			return nil, fmt.Errorf("failed to parse fraud for %s: %w", id, err)
		}
		delete(ns, "features_used")

		rec["_id"] = id
		rec["fraud"] = ns
		out = append(out, rec)
	}

	return out, rows.Err()
}

func (r *SQLRepository) listAudit(ctx context.Context, campaignID string) ([]any, error) {
	query := `SELECT admin, action, comment, at FROM fraud_audit WHERE campaign_id = ? ORDER BY seq, at, id`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var e domain.AuditEntry
		var action string
		if err := rows.Scan(&e.Admin, &action, &e.Comment, &e.At); err != nil {
			return nil, err
		}
		e.Action = domain.ReviewAction(action)
		out = append(out, auditRecord(&e))
	}
	return out, rows.Err()
}

func (r *SQLRepository) insertAudit(ctx context.Context, tx *sql.Tx, campaignID string, e *domain.AuditEntry) error {
	if e == nil {
		return nil
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var seq int64
	query := `SELECT COALESCE(MAX(seq), 0) FROM fraud_audit WHERE campaign_id = ?`
	if err := tx.QueryRowContext(ctx, r.rebind(query), campaignID).Scan(&seq); err != nil {
		return err
	}

	query = `INSERT INTO fraud_audit (id, campaign_id, seq, admin, action, comment, at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, r.rebind(query), id, campaignID, seq+1, e.Admin, string(e.Action), e.Comment, at.UTC())
	return err
}

func (r *SQLRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}

func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// encodeDoc serializes a document without its id and fraud namespace.
func encodeDoc(rec domain.Record) (string, error) {
	doc := make(map[string]any, len(rec))
	for k, v := range rec {
		if k == "_id" || k == "fraud" {
			continue
		}
		doc[k] = v
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode document: %w", err)
	}
	return string(data), nil
}

func decodeDoc(s string) (domain.Record, error) {
	rec := domain.Record{}
	if err := json.Unmarshal([]byte(s), &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeFraud(s sql.NullString) (map[string]any, error) {
	ns := map[string]any{}
	if !s.Valid || s.String == "" {
		return ns, nil
	}
	if err := json.Unmarshal([]byte(s.String), &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

func auditRecord(e *domain.AuditEntry) map[string]any {
	m := map[string]any{
		"action": string(e.Action),
		"at":     e.At.UTC(),
	}
	if e.Admin != "" {
		m["admin"] = e.Admin
	}
	if e.Comment != "" {
		m["comment"] = e.Comment
	}
	return m
}

func creatorOf(rec domain.Record) string {
	v := rec.Get("creator_id")
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
