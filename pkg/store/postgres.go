package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Postgres is the production Store backed by sqlx + lib/pq.
type Postgres struct {
	db *sqlx.DB
}

// NewPostgres connects, runs pending migrations and returns the store.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return nil, err
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Postgres{db: db}, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *Postgres) UpsertDocument(ctx context.Context, d Document) error {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return faults.Invalid("UpsertDocument", "document_store", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO documents (id, source_uri, content, metadata)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`,
		d.ID, d.SourceURI, d.Content, meta)
	if err != nil {
		return faults.Transient("UpsertDocument", "document_store", err)
	}
	return nil
}

func (p *Postgres) GetDocument(ctx context.Context, id string) (*Document, error) {
	var row struct {
		ID        string `db:"id"`
		SourceURI string `db:"source_uri"`
		Content   string `db:"content"`
		Metadata  []byte `db:"metadata"`
	}
	err := p.db.GetContext(ctx, &row, `SELECT id, source_uri, content, metadata FROM documents WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("GetDocument", "document_store", err)
	}
	if err != nil {
		return nil, faults.Transient("GetDocument", "document_store", err)
	}
	d := Document{ID: row.ID, SourceURI: row.SourceURI, Content: row.Content}
	if err := json.Unmarshal(row.Metadata, &d.Metadata); err != nil {
		return nil, faults.Permanent("GetDocument", "document_store", err)
	}
	return &d, nil
}

func (p *Postgres) ListDocuments(ctx context.Context) ([]Document, error) {
	rows, err := p.db.QueryxContext(ctx, `SELECT id, source_uri, content, metadata FROM documents ORDER BY id`)
	if err != nil {
		return nil, faults.Transient("ListDocuments", "document_store", err)
	}
	defer rows.Close()
	var out []Document
	for rows.Next() {
		var id, uri, content string
		var meta []byte
		if err := rows.Scan(&id, &uri, &content, &meta); err != nil {
			return nil, faults.Transient("ListDocuments", "document_store", err)
		}
		d := Document{ID: id, SourceURI: uri, Content: content}
		if err := json.Unmarshal(meta, &d.Metadata); err != nil {
			return nil, faults.Permanent("ListDocuments", "document_store", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (p *Postgres) PurgeDocument(ctx context.Context, id string) error {
	if _, err := p.db.ExecContext(ctx, `DELETE FROM documents WHERE id = $1`, id); err != nil {
		return faults.Transient("PurgeDocument", "document_store", err)
	}
	return nil
}

func (p *Postgres) InsertDecision(ctx context.Context, d ln.Decision) error {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return faults.Invalid("InsertDecision", "decision_store", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO decisions (decision_id, node_pubkey, channel_id, type, payload,
		                       rationale_text, reason, score, created_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		d.DecisionID, d.NodePubkey, d.ChannelID, d.Type, payload,
		d.RationaleText, d.Reason, d.Score, d.CreatedAt, d.Status)
	if isUniqueViolation(err) {
		return faults.Conflict("InsertDecision", "decision_store", err)
	}
	if err != nil {
		return faults.Transient("InsertDecision", "decision_store", err)
	}
	return nil
}

func (p *Postgres) GetDecision(ctx context.Context, id string) (*ln.Decision, error) {
	row := p.db.QueryRowxContext(ctx, `
		SELECT decision_id, node_pubkey, COALESCE(channel_id, ''), type, payload,
		       rationale_text, reason, score, created_at, status
		FROM decisions WHERE decision_id = $1`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("GetDecision", "decision_store", err)
	}
	if err != nil {
		return nil, faults.Transient("GetDecision", "decision_store", err)
	}
	return d, nil
}

type rowScanner interface{ Scan(dest ...any) error }

func scanDecision(r rowScanner) (*ln.Decision, error) {
	var d ln.Decision
	var payload []byte
	if err := r.Scan(&d.DecisionID, &d.NodePubkey, &d.ChannelID, &d.Type, &payload,
		&d.RationaleText, &d.Reason, &d.Score, &d.CreatedAt, &d.Status); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, &d.Payload); err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *Postgres) UpdateDecisionStatus(ctx context.Context, id string, status ln.DecisionStatus, reason string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE decisions SET status = $2, reason = CASE WHEN $3 <> '' THEN $3 ELSE reason END
		WHERE decision_id = $1`, id, status, reason)
	if err != nil {
		return faults.Transient("UpdateDecisionStatus", "decision_store", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.NotFound("UpdateDecisionStatus", "decision_store", nil)
	}
	return nil
}

func (p *Postgres) ListDecisionsByNode(ctx context.Context, pubkey string, since time.Time) ([]ln.Decision, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT decision_id, node_pubkey, COALESCE(channel_id, ''), type, payload,
		       rationale_text, reason, score, created_at, status
		FROM decisions WHERE node_pubkey = $1 AND created_at >= $2
		ORDER BY created_at`, pubkey, since)
	if err != nil {
		return nil, faults.Transient("ListDecisionsByNode", "decision_store", err)
	}
	defer rows.Close()
	var out []ln.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, faults.Transient("ListDecisionsByNode", "decision_store", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

func (p *Postgres) InsertRollbackEntry(ctx context.Context, e ln.RollbackEntry) error {
	prior, err := json.Marshal(e.PriorState)
	if err != nil {
		return faults.Invalid("InsertRollbackEntry", "decision_store", err)
	}
	reversal, err := json.Marshal(e.ReversalPayload)
	if err != nil {
		return faults.Invalid("InsertRollbackEntry", "decision_store", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rollback_entries (decision_id, prior_state, reversal_payload, created_at)
		VALUES ($1, $2, $3, $4)`, e.DecisionID, prior, reversal, e.CreatedAt)
	if isUniqueViolation(err) {
		return faults.Conflict("InsertRollbackEntry", "decision_store", err)
	}
	if err != nil {
		return faults.Transient("InsertRollbackEntry", "decision_store", err)
	}
	return nil
}

func (p *Postgres) GetRollbackEntry(ctx context.Context, decisionID string) (*ln.RollbackEntry, error) {
	var prior, reversal []byte
	e := ln.RollbackEntry{DecisionID: decisionID}
	err := p.db.QueryRowxContext(ctx, `
		SELECT prior_state, reversal_payload, created_at
		FROM rollback_entries WHERE decision_id = $1`, decisionID).
		Scan(&prior, &reversal, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("GetRollbackEntry", "decision_store", err)
	}
	if err != nil {
		return nil, faults.Transient("GetRollbackEntry", "decision_store", err)
	}
	if err := json.Unmarshal(prior, &e.PriorState); err != nil {
		return nil, faults.Permanent("GetRollbackEntry", "decision_store", err)
	}
	if err := json.Unmarshal(reversal, &e.ReversalPayload); err != nil {
		return nil, faults.Permanent("GetRollbackEntry", "decision_store", err)
	}
	return &e, nil
}

func (p *Postgres) GetReport(ctx context.Context, userID, reportDate string) (*ln.DailyReport, error) {
	var r ln.DailyReport
	var sections []byte
	var generatedAt sql.NullTime
	err := p.db.QueryRowxContext(ctx, `
		SELECT report_id, user_id, tenant_id, node_pubkey, to_char(report_date, 'YYYY-MM-DD'),
		       generation_status, attempt_count, fail_reason, sections, decisions_summary, generated_at
		FROM daily_reports WHERE user_id = $1 AND report_date = $2`, userID, reportDate).
		Scan(&r.ReportID, &r.UserID, &r.TenantID, &r.NodePubkey, &r.ReportDate,
			&r.GenerationStatus, &r.AttemptCount, &r.FailReason, &sections, &r.DecisionsSummary, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("GetReport", "report_store", err)
	}
	if err != nil {
		return nil, faults.Transient("GetReport", "report_store", err)
	}
	if generatedAt.Valid {
		r.GeneratedAt = generatedAt.Time
	}
	if err := json.Unmarshal(sections, &r.Sections); err != nil {
		return nil, faults.Permanent("GetReport", "report_store", err)
	}
	return &r, nil
}

func (p *Postgres) UpsertReport(ctx context.Context, r *ln.DailyReport) error {
	sections, err := json.Marshal(r.Sections)
	if err != nil {
		return faults.Invalid("UpsertReport", "report_store", err)
	}
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO daily_reports (report_id, user_id, tenant_id, node_pubkey, report_date,
		                           generation_status, attempt_count, fail_reason, sections,
		                           decisions_summary, generated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (user_id, report_date) DO UPDATE SET
			generation_status = EXCLUDED.generation_status,
			attempt_count     = EXCLUDED.attempt_count,
			fail_reason       = EXCLUDED.fail_reason,
			sections          = EXCLUDED.sections,
			decisions_summary = EXCLUDED.decisions_summary,
			generated_at      = EXCLUDED.generated_at
		WHERE daily_reports.generation_status <> 'succeeded'
		   OR daily_reports.report_id = EXCLUDED.report_id`,
		r.ReportID, r.UserID, r.TenantID, r.NodePubkey, r.ReportDate,
		r.GenerationStatus, r.AttemptCount, r.FailReason, sections,
		r.DecisionsSummary, nullTime(r.GeneratedAt))
	if isUniqueViolation(err) {
		return faults.Conflict("UpsertReport", "report_store", err)
	}
	if err != nil {
		return faults.Transient("UpsertReport", "report_store", err)
	}
	// The update arm is suppressed exactly when another report already
	// succeeded for this (user, date): first writer wins.
	if n, _ := res.RowsAffected(); n == 0 {
		return faults.Conflict("UpsertReport", "report_store", nil)
	}
	return nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func (p *Postgres) PurgeExpiredReports(ctx context.Context, olderThan string) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM daily_reports WHERE report_date < $1`, olderThan)
	if err != nil {
		return 0, faults.Transient("PurgeExpiredReports", "report_store", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (p *Postgres) GetUser(ctx context.Context, userID string) (*ln.UserProfile, error) {
	var u ln.UserProfile
	var channels []byte
	var pubkey sql.NullString
	err := p.db.QueryRowxContext(ctx, `
		SELECT user_id, tenant_id, lightning_pubkey, daily_report_enabled, timezone,
		       notification_channels, apply_enabled
		FROM users WHERE user_id = $1`, userID).
		Scan(&u.UserID, &u.TenantID, &pubkey, &u.DailyReportEnabled, &u.Timezone, &channels, &u.ApplyEnabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, faults.NotFound("GetUser", "user_store", err)
	}
	if err != nil {
		return nil, faults.Transient("GetUser", "user_store", err)
	}
	u.LightningPubkey = pubkey.String
	if err := json.Unmarshal(channels, &u.NotificationChannels); err != nil {
		return nil, faults.Permanent("GetUser", "user_store", err)
	}
	return &u, nil
}

func (p *Postgres) UpsertUser(ctx context.Context, u ln.UserProfile) error {
	channels, err := json.Marshal(u.NotificationChannels)
	if err != nil {
		return faults.Invalid("UpsertUser", "user_store", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO users (user_id, tenant_id, lightning_pubkey, daily_report_enabled,
		                   timezone, notification_channels, apply_enabled)
		VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6, $7)
		ON CONFLICT (user_id) DO UPDATE SET
			tenant_id = EXCLUDED.tenant_id,
			lightning_pubkey = EXCLUDED.lightning_pubkey,
			daily_report_enabled = EXCLUDED.daily_report_enabled,
			timezone = EXCLUDED.timezone,
			notification_channels = EXCLUDED.notification_channels,
			apply_enabled = EXCLUDED.apply_enabled`,
		u.UserID, u.TenantID, u.LightningPubkey, u.DailyReportEnabled,
		u.Timezone, channels, u.ApplyEnabled)
	if isUniqueViolation(err) {
		return faults.Conflict("UpsertUser", "user_store", err)
	}
	if err != nil {
		return faults.Transient("UpsertUser", "user_store", err)
	}
	return nil
}

func (p *Postgres) ListEnrolledUsers(ctx context.Context) ([]ln.UserProfile, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT user_id, tenant_id, lightning_pubkey, daily_report_enabled, timezone,
		       notification_channels, apply_enabled
		FROM users
		WHERE daily_report_enabled AND lightning_pubkey IS NOT NULL
		ORDER BY user_id`)
	if err != nil {
		return nil, faults.Transient("ListEnrolledUsers", "user_store", err)
	}
	defer rows.Close()
	var out []ln.UserProfile
	for rows.Next() {
		var u ln.UserProfile
		var channels []byte
		var pubkey sql.NullString
		if err := rows.Scan(&u.UserID, &u.TenantID, &pubkey, &u.DailyReportEnabled,
			&u.Timezone, &channels, &u.ApplyEnabled); err != nil {
			return nil, faults.Transient("ListEnrolledUsers", "user_store", err)
		}
		u.LightningPubkey = pubkey.String
		if err := json.Unmarshal(channels, &u.NotificationChannels); err != nil {
			return nil, faults.Permanent("ListEnrolledUsers", "user_store", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return faults.Transient("Ping", "document_store", err)
	}
	return nil
}

func (p *Postgres) Close() error { return p.db.Close() }
