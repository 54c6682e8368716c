// Copyright 2025 IntelliPM
// SPDX-License-Identifier: BUSL-1.1

// Package audit provides the append-only record of every governance
// action: decision creation, each state transition, and every quota
// verdict. Entries are queued in memory and written to PostgreSQL in
// batches so recording never sits on a request's critical path.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"intellipm/platform/shared/logger"
)

// Category groups audit entries by the subsystem that wrote them.
type Category string

const (
	CategoryDecision Category = "decision"
	CategoryQuota    Category = "quota"
)

// Entry is one immutable audit record.
type Entry struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	OrgID      string                 `json:"org_id"`
	Category   Category               `json:"category"`
	Action     string                 `json:"action"`
	DecisionID string                 `json:"decision_id,omitempty"`
	RequestID  string                 `json:"request_id,omitempty"`
	ActorID    string                 `json:"actor_id,omitempty"`
	ActorRole  string                 `json:"actor_role,omitempty"`
	Verdict    string                 `json:"verdict,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// Recorder accepts audit entries. Record never blocks and never fails the
// calling operation.
type Recorder interface {
	Record(ctx context.Context, entry Entry)
}

// QueryOptions filters audit log reads.
type QueryOptions struct {
	OrgID      string
	Category   Category
	DecisionID string
	Since      time.Time
	Until      time.Time
	Limit      int
}

const (
	defaultQueueSize = 10000
	defaultBatchSize = 100
	flushInterval    = 5 * time.Second
)

// Log is the durable audit log. Writes are queued and flushed in batches;
// a full queue falls back to a direct synchronous write rather than
// dropping the entry.
type Log struct {
	db           *sql.DB
	writer       *batchWriter
	queue        chan *Entry
	log          *logger.Logger
	wg           sync.WaitGroup
	shutdownChan chan struct{}
	shutdownOnce sync.Once
}

// NewLog creates an audit log writing to db. Pass a nil db for a
// queue-only log that discards entries (tests, local development).
func NewLog(db *sql.DB, log *logger.Logger) *Log {
	if log == nil {
		log = logger.New("audit")
	}

	l := &Log{
		db:           db,
		log:          log,
		queue:        make(chan *Entry, defaultQueueSize),
		shutdownChan: make(chan struct{}),
	}
	if db != nil {
		l.writer = newBatchWriter(db, defaultBatchSize, log)
	}

	l.wg.Add(1)
	go l.processQueue()

	return l
}

// EnsureSchema creates the audit table if it doesn't exist.
func (l *Log) EnsureSchema(ctx context.Context) error {
	if l.db == nil {
		return nil
	}

	query := `
	CREATE TABLE IF NOT EXISTS governance_audit_log (
		id VARCHAR(255) PRIMARY KEY,
		timestamp TIMESTAMP NOT NULL,
		org_id VARCHAR(255) NOT NULL,
		category VARCHAR(50) NOT NULL,
		action VARCHAR(100) NOT NULL,
		decision_id VARCHAR(255),
		request_id VARCHAR(255),
		actor_id VARCHAR(255),
		actor_role VARCHAR(100),
		verdict VARCHAR(50),
		details JSONB,
		error_message TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_governance_audit_org_time
		ON governance_audit_log(org_id, timestamp DESC);
	CREATE INDEX IF NOT EXISTS idx_governance_audit_decision
		ON governance_audit_log(decision_id) WHERE decision_id IS NOT NULL;
	`

	_, err := l.db.ExecContext(ctx, query)
	return err
}

// Record queues an entry for batch writing. When the queue is full the
// entry is written directly instead of being dropped.
func (l *Log) Record(ctx context.Context, entry Entry) {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	select {
	case l.queue <- &entry:
	default:
		l.log.Warn(entry.OrgID, entry.RequestID, "audit queue full, writing directly", nil)
		if l.writer != nil {
			if err := l.writer.write([]*Entry{&entry}); err != nil {
				l.log.ErrorWithErr(entry.OrgID, entry.RequestID, "failed to write audit entry", err, nil)
			}
		}
	}
}

func (l *Log) processQueue() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case entry := <-l.queue:
			if l.writer != nil {
				l.writer.add(entry)
			}
		case <-ticker.C:
			if l.writer != nil {
				l.writer.flushPending()
			}
		case <-l.shutdownChan:
			for {
				select {
				case entry := <-l.queue:
					if l.writer != nil {
						l.writer.add(entry)
					}
				default:
					if l.writer != nil {
						l.writer.flushPending()
					}
					return
				}
			}
		}
	}
}

// Shutdown drains the queue and flushes pending batches.
func (l *Log) Shutdown() {
	l.shutdownOnce.Do(func() {
		close(l.shutdownChan)
	})
	l.wg.Wait()
	if l.writer != nil {
		l.writer.stop()
	}
}

// Query reads entries matching the given filters, newest first.
func (l *Log) Query(ctx context.Context, opts QueryOptions) ([]Entry, error) {
	if l.db == nil {
		return nil, nil
	}

	query := `
		SELECT id, timestamp, org_id, category, action, decision_id,
			   request_id, actor_id, actor_role, verdict, details, error_message
		FROM governance_audit_log
		WHERE 1=1
	`
	var args []interface{}
	argIndex := 1

	if opts.OrgID != "" {
		query += fmt.Sprintf(" AND org_id = $%d", argIndex)
		args = append(args, opts.OrgID)
		argIndex++
	}
	if opts.Category != "" {
		query += fmt.Sprintf(" AND category = $%d", argIndex)
		args = append(args, string(opts.Category))
		argIndex++
	}
	if opts.DecisionID != "" {
		query += fmt.Sprintf(" AND decision_id = $%d", argIndex)
		args = append(args, opts.DecisionID)
		argIndex++
	}
	if !opts.Since.IsZero() {
		query += fmt.Sprintf(" AND timestamp >= $%d", argIndex)
		args = append(args, opts.Since)
		argIndex++
	}
	if !opts.Until.IsZero() {
		query += fmt.Sprintf(" AND timestamp < $%d", argIndex)
		args = append(args, opts.Until)
		argIndex++
	}

	query += " ORDER BY timestamp DESC"
	limit := opts.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query += fmt.Sprintf(" LIMIT $%d", argIndex)
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var decisionID, requestID, actorID, actorRole, verdict, errMsg sql.NullString
		var details []byte
		if err := rows.Scan(
			&e.ID, &e.Timestamp, &e.OrgID, &e.Category, &e.Action,
			&decisionID, &requestID, &actorID, &actorRole, &verdict,
			&details, &errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.DecisionID = decisionID.String
		e.RequestID = requestID.String
		e.ActorID = actorID.String
		e.ActorRole = actorRole.String
		e.Verdict = verdict.String
		e.Error = errMsg.String
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("failed to unmarshal audit details: %w", err)
			}
		}
		entries = append(entries, e)
	}

	return entries, rows.Err()
}

// batchWriter accumulates entries and writes them in a single transaction.
type batchWriter struct {
	db        *sql.DB
	batchSize int
	ticker    *time.Ticker
	done      chan struct{}
	log       *logger.Logger

	mu      sync.Mutex
	entries []*Entry
}

func newBatchWriter(db *sql.DB, batchSize int, log *logger.Logger) *batchWriter {
	w := &batchWriter{
		db:        db,
		batchSize: batchSize,
		entries:   make([]*Entry, 0, batchSize),
		ticker:    time.NewTicker(10 * time.Second),
		done:      make(chan struct{}),
		log:       log,
	}

	go w.periodicFlush()

	return w
}

func (w *batchWriter) add(entry *Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.entries = append(w.entries, entry)
	if len(w.entries) >= w.batchSize {
		w.flushLocked()
	}
}

func (w *batchWriter) flushPending() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.flushLocked()
}

func (w *batchWriter) flushLocked() {
	if len(w.entries) == 0 {
		return
	}

	if err := w.write(w.entries); err != nil {
		w.log.ErrorWithErr("", "", "failed to write audit batch", err, map[string]interface{}{
			"batch_size": len(w.entries),
		})
	}

	w.entries = w.entries[:0]
}

func (w *batchWriter) write(entries []*Entry) error {
	tx, err := w.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`
		INSERT INTO governance_audit_log (
			id, timestamp, org_id, category, action, decision_id,
			request_id, actor_id, actor_role, verdict, details, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, e := range entries {
		details, _ := json.Marshal(e.Details)
		if _, err := stmt.Exec(
			e.ID, e.Timestamp, e.OrgID, string(e.Category), e.Action,
			nullable(e.DecisionID), nullable(e.RequestID), nullable(e.ActorID),
			nullable(e.ActorRole), nullable(e.Verdict), details, nullable(e.Error),
		); err != nil {
			w.log.ErrorWithErr(e.OrgID, e.RequestID, "failed to insert audit entry", err, nil)
		}
	}

	return tx.Commit()
}

func (w *batchWriter) periodicFlush() {
	for {
		select {
		case <-w.ticker.C:
			w.flushPending()
		case <-w.done:
			return
		}
	}
}

func (w *batchWriter) stop() {
	w.ticker.Stop()
	close(w.done)
	w.flushPending()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
