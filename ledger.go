package driftguard

import (
	"fmt"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// EscalationEvent is one decision-state transition worth an operator's
// attention.
type EscalationEvent struct {
	Identity   string    `json:"identity" db:"identity"`
	From       string    `json:"from" db:"from_state"`
	To         string    `json:"to" db:"to_state"`
	Combined   float64   `json:"combined" db:"combined"`
	CampaignID string    `json:"campaignId,omitempty" db:"campaign_id"`
	At         time.Time `json:"at" db:"at"`
}

// LedgerSummary aggregates recent activity for the admin surface.
type LedgerSummary struct {
	Transitions      map[string]int `json:"transitions"`
	ActiveIdentities int            `json:"activeIdentities"`
	CampaignsSeen    int            `json:"campaignsSeen"`
	LastUpdated      time.Time      `json:"lastUpdated"`
}

// Ledger records escalations and confirmed campaigns. Implementations must
// be safe for concurrent use; the evaluation cycle writes while the admin
// surface reads.
type Ledger interface {
	RecordEscalation(event EscalationEvent)
	RecordCampaign(c Campaign)
	Escalations() []EscalationEvent
	Summary() LedgerSummary
}

// MemoryLedger holds recent events in memory with a TTL, dropping expired
// entries lazily on read.
type MemoryLedger struct {
	mu        sync.RWMutex
	ttl       time.Duration
	events    []EscalationEvent
	campaigns map[string]Campaign
}

func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &MemoryLedger{
		ttl:       ttl,
		campaigns: make(map[string]Campaign),
	}
}

func (l *MemoryLedger) RecordEscalation(event EscalationEvent) {
	if event.Identity == "" {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
}

func (l *MemoryLedger) RecordCampaign(c Campaign) {
	l.mu.Lock()
	l.campaigns[c.ID] = c
	l.mu.Unlock()
}

func (l *MemoryLedger) Escalations() []EscalationEvent {
	cutoff := time.Now().Add(-l.ttl)
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []EscalationEvent
	for _, ev := range l.events {
		if ev.At.Before(cutoff) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

func (l *MemoryLedger) Cleanup() {
	cutoff := time.Now().Add(-l.ttl)
	l.mu.Lock()
	kept := l.events[:0]
	for _, ev := range l.events {
		if !ev.At.Before(cutoff) {
			kept = append(kept, ev)
		}
	}
	l.events = kept
	for id, c := range l.campaigns {
		if c.LastConfirmed.Before(cutoff) {
			delete(l.campaigns, id)
		}
	}
	l.mu.Unlock()
}

func (l *MemoryLedger) Summary() LedgerSummary {
	summary := LedgerSummary{Transitions: make(map[string]int)}
	events := l.Escalations()
	seen := make(map[string]bool)
	for _, ev := range events {
		summary.Transitions[ev.To]++
		seen[ev.Identity] = true
		if ev.At.After(summary.LastUpdated) {
			summary.LastUpdated = ev.At
		}
	}
	summary.ActiveIdentities = len(seen)
	l.mu.RLock()
	summary.CampaignsSeen = len(l.campaigns)
	l.mu.RUnlock()
	return summary
}

const ledgerSchema = `
CREATE TABLE IF NOT EXISTS escalations (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	identity    TEXT NOT NULL,
	from_state  TEXT NOT NULL,
	to_state    TEXT NOT NULL,
	combined    REAL NOT NULL,
	campaign_id TEXT NOT NULL DEFAULT '',
	at          TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_escalations_at ON escalations(at);

CREATE TABLE IF NOT EXISTS campaigns (
	id             TEXT PRIMARY KEY,
	members        INTEGER NOT NULL,
	cohesion       REAL NOT NULL,
	first_detected TIMESTAMP NOT NULL,
	last_confirmed TIMESTAMP NOT NULL
);
`

// SQLiteLedger persists escalations and campaigns so incident history
// survives restarts. Writes happen on the evaluation cycle, never on the
// request path.
type SQLiteLedger struct {
	db     *sqlx.DB
	ttl    time.Duration
	logger *zap.Logger
}

func NewSQLiteLedger(path string, ttl time.Duration, logger *zap.Logger) (*SQLiteLedger, error) {
	db, err := sqlx.Connect("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", path, err)
	}
	if _, err := db.Exec(ledgerSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("ledger: migrate: %w", err)
	}
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLiteLedger{db: db, ttl: ttl, logger: logger}, nil
}

func (l *SQLiteLedger) Close() error { return l.db.Close() }

func (l *SQLiteLedger) RecordEscalation(event EscalationEvent) {
	if event.Identity == "" {
		return
	}
	_, err := l.db.NamedExec(`INSERT INTO escalations (identity, from_state, to_state, combined, campaign_id, at)
		VALUES (:identity, :from_state, :to_state, :combined, :campaign_id, :at)`, event)
	if err != nil {
		l.logger.Error("ledger: record escalation", zap.String("identity", event.Identity), zap.Error(err))
	}
}

func (l *SQLiteLedger) RecordCampaign(c Campaign) {
	_, err := l.db.Exec(`INSERT INTO campaigns (id, members, cohesion, first_detected, last_confirmed)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			members = excluded.members,
			cohesion = excluded.cohesion,
			last_confirmed = excluded.last_confirmed`,
		c.ID, len(c.Members), c.Cohesion, c.FirstDetected, c.LastConfirmed)
	if err != nil {
		l.logger.Error("ledger: record campaign", zap.String("campaign", c.ID), zap.Error(err))
	}
}

func (l *SQLiteLedger) Escalations() []EscalationEvent {
	var out []EscalationEvent
	cutoff := time.Now().Add(-l.ttl)
	err := l.db.Select(&out, `SELECT identity, from_state, to_state, combined, campaign_id, at
		FROM escalations WHERE at >= ? ORDER BY at`, cutoff)
	if err != nil {
		l.logger.Error("ledger: load escalations", zap.Error(err))
	}
	return out
}

// Cleanup prunes rows past the retention TTL.
func (l *SQLiteLedger) Cleanup() error {
	cutoff := time.Now().Add(-l.ttl)
	if _, err := l.db.Exec(`DELETE FROM escalations WHERE at < ?`, cutoff); err != nil {
		return fmt.Errorf("ledger: prune escalations: %w", err)
	}
	if _, err := l.db.Exec(`DELETE FROM campaigns WHERE last_confirmed < ?`, cutoff); err != nil {
		return fmt.Errorf("ledger: prune campaigns: %w", err)
	}
	return nil
}

func (l *SQLiteLedger) Summary() LedgerSummary {
	summary := LedgerSummary{Transitions: make(map[string]int)}
	events := l.Escalations()
	seen := make(map[string]bool)
	for _, ev := range events {
		summary.Transitions[ev.To]++
		seen[ev.Identity] = true
		if ev.At.After(summary.LastUpdated) {
			summary.LastUpdated = ev.At
		}
	}
	summary.ActiveIdentities = len(seen)
	var campaigns int
	if err := l.db.Get(&campaigns, `SELECT COUNT(*) FROM campaigns`); err != nil {
		l.logger.Error("ledger: count campaigns", zap.Error(err))
	}
	summary.CampaignsSeen = campaigns
	return summary
}
