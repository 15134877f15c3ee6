package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/moniteurlabs/moniteur/pkg/faults"
	"github.com/moniteurlabs/moniteur/pkg/ln"
)

// Memory is the in-memory Store used by tests and mock mode. Safe for
// concurrent use.
type Memory struct {
	mu        sync.RWMutex
	documents map[string]Document
	decisions map[string]ln.Decision
	rollbacks map[string]ln.RollbackEntry
	reports   map[string]ln.DailyReport // keyed user_id|report_date
	users     map[string]ln.UserProfile
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		documents: make(map[string]Document),
		decisions: make(map[string]ln.Decision),
		rollbacks: make(map[string]ln.RollbackEntry),
		reports:   make(map[string]ln.DailyReport),
		users:     make(map[string]ln.UserProfile),
	}
}

func reportKey(userID, date string) string { return userID + "|" + date }

func (m *Memory) UpsertDocument(_ context.Context, d Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.documents[d.ID] = d
	return nil
}

func (m *Memory) GetDocument(_ context.Context, id string) (*Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.documents[id]
	if !ok {
		return nil, faults.NotFound("GetDocument", "document_store", nil)
	}
	return &d, nil
}

func (m *Memory) ListDocuments(_ context.Context) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Document, 0, len(m.documents))
	for _, d := range m.documents {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) PurgeDocument(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.documents, id)
	return nil
}

func (m *Memory) InsertDecision(_ context.Context, d ln.Decision) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.decisions[d.DecisionID]; ok {
		return faults.Conflict("InsertDecision", "decision_store", nil)
	}
	m.decisions[d.DecisionID] = d
	return nil
}

func (m *Memory) GetDecision(_ context.Context, id string) (*ln.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.decisions[id]
	if !ok {
		return nil, faults.NotFound("GetDecision", "decision_store", nil)
	}
	return &d, nil
}

func (m *Memory) UpdateDecisionStatus(_ context.Context, id string, status ln.DecisionStatus, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.decisions[id]
	if !ok {
		return faults.NotFound("UpdateDecisionStatus", "decision_store", nil)
	}
	d.Status = status
	if reason != "" {
		d.Reason = reason
	}
	m.decisions[id] = d
	return nil
}

func (m *Memory) ListDecisionsByNode(_ context.Context, pubkey string, since time.Time) ([]ln.Decision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ln.Decision
	for _, d := range m.decisions {
		if d.NodePubkey == pubkey && !d.CreatedAt.Before(since) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) InsertRollbackEntry(_ context.Context, e ln.RollbackEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rollbacks[e.DecisionID]; ok {
		return faults.Conflict("InsertRollbackEntry", "decision_store", nil)
	}
	m.rollbacks[e.DecisionID] = e
	return nil
}

func (m *Memory) GetRollbackEntry(_ context.Context, decisionID string) (*ln.RollbackEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.rollbacks[decisionID]
	if !ok {
		return nil, faults.NotFound("GetRollbackEntry", "decision_store", nil)
	}
	return &e, nil
}

func (m *Memory) GetReport(_ context.Context, userID, reportDate string) (*ln.DailyReport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.reports[reportKey(userID, reportDate)]
	if !ok {
		return nil, faults.NotFound("GetReport", "report_store", nil)
	}
	return &r, nil
}

func (m *Memory) UpsertReport(_ context.Context, r *ln.DailyReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := reportKey(r.UserID, r.ReportDate)
	if prev, ok := m.reports[key]; ok {
		// One succeeded report per (user, date); the first writer wins.
		if prev.GenerationStatus == ln.ReportSucceeded && r.GenerationStatus == ln.ReportSucceeded && prev.ReportID != r.ReportID {
			return faults.Conflict("UpsertReport", "report_store", nil)
		}
	}
	m.reports[key] = *r
	return nil
}

func (m *Memory) PurgeExpiredReports(_ context.Context, olderThan string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, r := range m.reports {
		if r.ReportDate < olderThan {
			delete(m.reports, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) GetUser(_ context.Context, userID string) (*ln.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, faults.NotFound("GetUser", "user_store", nil)
	}
	return &u, nil
}

func (m *Memory) UpsertUser(_ context.Context, u ln.UserProfile) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// lightning_pubkey is globally unique when present.
	if u.LightningPubkey != "" {
		for id, other := range m.users {
			if id != u.UserID && other.LightningPubkey == u.LightningPubkey {
				return faults.Conflict("UpsertUser", "user_store", nil)
			}
		}
	}
	m.users[u.UserID] = u
	return nil
}

func (m *Memory) ListEnrolledUsers(_ context.Context) ([]ln.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []ln.UserProfile
	for _, u := range m.users {
		if u.DailyReportEnabled && u.LightningPubkey != "" {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (m *Memory) Ping(context.Context) error { return nil }

func (m *Memory) Close() error { return nil }
