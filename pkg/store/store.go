// Package store defines the persistence interfaces for documents, decisions,
// reports and users, with an in-memory backend for tests and mock mode and a
// Postgres backend for production.
package store

import (
	"context"
	"time"

	"github.com/moniteurlabs/moniteur/pkg/ln"
)

// DocMetadata is the searchable metadata attached to a document.
type DocMetadata struct {
	Type        string    `json:"type"`
	CreatedAt   time.Time `json:"created_at"`
	RelatedNode string    `json:"related_node,omitempty"`
	Language    string    `json:"language,omitempty"`
}

// Document is an ingested source item. Immutable after ingestion.
type Document struct {
	ID        string      `json:"id"`
	SourceURI string      `json:"source_uri"`
	Content   string      `json:"content"`
	Metadata  DocMetadata `json:"metadata"`
}

// DocumentStore persists ingested documents.
type DocumentStore interface {
	UpsertDocument(ctx context.Context, d Document) error
	GetDocument(ctx context.Context, id string) (*Document, error)
	ListDocuments(ctx context.Context) ([]Document, error)
	PurgeDocument(ctx context.Context, id string) error
}

// DecisionStore persists decisions and their rollback entries.
type DecisionStore interface {
	InsertDecision(ctx context.Context, d ln.Decision) error
	GetDecision(ctx context.Context, id string) (*ln.Decision, error)
	UpdateDecisionStatus(ctx context.Context, id string, status ln.DecisionStatus, reason string) error
	ListDecisionsByNode(ctx context.Context, pubkey string, since time.Time) ([]ln.Decision, error)
	InsertRollbackEntry(ctx context.Context, e ln.RollbackEntry) error
	GetRollbackEntry(ctx context.Context, decisionID string) (*ln.RollbackEntry, error)
}

// ReportStore persists daily reports. UpsertReport must refuse a second
// succeeded report for the same (user_id, report_date) with a conflict fault.
type ReportStore interface {
	GetReport(ctx context.Context, userID, reportDate string) (*ln.DailyReport, error)
	UpsertReport(ctx context.Context, r *ln.DailyReport) error
	PurgeExpiredReports(ctx context.Context, olderThan string) (int, error)
}

// UserStore persists operator profiles.
type UserStore interface {
	GetUser(ctx context.Context, userID string) (*ln.UserProfile, error)
	UpsertUser(ctx context.Context, u ln.UserProfile) error
	ListEnrolledUsers(ctx context.Context) ([]ln.UserProfile, error)
}

// Store is the full persistence surface plus a reachability probe.
type Store interface {
	DocumentStore
	DecisionStore
	ReportStore
	UserStore
	Ping(ctx context.Context) error
	Close() error
}

// ReportTTL is how long succeeded reports are kept before purge eligibility.
const ReportTTL = 90 * 24 * time.Hour
