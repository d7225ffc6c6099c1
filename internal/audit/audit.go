package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"git.home.luguber.info/inful/edgeagent/internal/agent/events"
	"git.home.luguber.info/inful/edgeagent/internal/logfields"
)

// Entry is one recorded reconciliation.
type Entry struct {
	ID          int64
	ReconcileID string
	StartedAt   time.Time
	FinishedAt  time.Time
	DurationMS  int64
	Outcome     string
	Status      string
	Project     string
	SnapshotID  string
	Deauthorize bool
}

// Log is a durable SQLite record of every reconciliation the device ran.
// Use ":memory:" for an in-memory database, or a file path for persistence.
type Log struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewLog opens the database and ensures the schema exists.
func NewLog(dbPath string) (*Log, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}

	log := &Log{db: db}
	if err := log.initialize(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize audit schema: %w", err)
	}
	return log, nil
}

func (l *Log) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS reconciliations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		reconcile_id TEXT NOT NULL,
		started_at INTEGER NOT NULL,
		finished_at INTEGER NOT NULL,
		duration_ms INTEGER NOT NULL,
		outcome TEXT NOT NULL,
		status TEXT NOT NULL,
		project TEXT,
		snapshot_id TEXT,
		deauthorize INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_reconcile_id ON reconciliations(reconcile_id);
	CREATE INDEX IF NOT EXISTS idx_finished_at ON reconciliations(finished_at);
	CREATE INDEX IF NOT EXISTS idx_outcome ON reconciliations(outcome);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Record inserts one finished reconciliation.
func (l *Log) Record(ctx context.Context, entry Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO reconciliations
		 (reconcile_id, started_at, finished_at, duration_ms, outcome, status, project, snapshot_id, deauthorize)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ReconcileID,
		entry.StartedAt.Unix(),
		entry.FinishedAt.Unix(),
		entry.DurationMS,
		entry.Outcome,
		entry.Status,
		entry.Project,
		entry.SnapshotID,
		boolToInt(entry.Deauthorize),
	)
	if err != nil {
		return fmt.Errorf("insert reconciliation: %w", err)
	}
	return nil
}

// Recent returns the most recent reconciliations, newest first.
func (l *Log) Recent(ctx context.Context, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, reconcile_id, started_at, finished_at, duration_ms, outcome, status, project, snapshot_id, deauthorize
		 FROM reconciliations ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reconciliations: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

// ByOutcome returns reconciliations with the given outcome, newest first.
func (l *Log) ByOutcome(ctx context.Context, outcome string, limit int) ([]Entry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.QueryContext(ctx,
		`SELECT id, reconcile_id, started_at, finished_at, duration_ms, outcome, status, project, snapshot_id, deauthorize
		 FROM reconciliations WHERE outcome = ? ORDER BY id DESC LIMIT ?`,
		outcome, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query reconciliations: %w", err)
	}
	defer rows.Close()

	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var (
			e           Entry
			startedAt   int64
			finishedAt  int64
			deauthorize int
		)
		err := rows.Scan(&e.ID, &e.ReconcileID, &startedAt, &finishedAt, &e.DurationMS,
			&e.Outcome, &e.Status, &e.Project, &e.SnapshotID, &deauthorize)
		if err != nil {
			return nil, fmt.Errorf("scan reconciliation: %w", err)
		}
		e.StartedAt = time.Unix(startedAt, 0)
		e.FinishedAt = time.Unix(finishedAt, 0)
		e.Deauthorize = deauthorize != 0
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return entries, nil
}

// Close closes the database.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Recorder bridges the event bus to the audit log. It pairs each started
// event with its finished event by reconcile id.
type Recorder struct {
	log *Log

	mu      sync.Mutex
	started map[string]events.ReconcileStarted
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewRecorder creates a recorder writing to log.
func NewRecorder(log *Log) *Recorder {
	return &Recorder{
		log:     log,
		started: make(map[string]events.ReconcileStarted),
		done:    make(chan struct{}),
	}
}

// Start subscribes to reconcile events and records them until Stop.
func (r *Recorder) Start(ctx context.Context, bus *events.Bus) {
	startedCh, unsubStarted := events.Subscribe[events.ReconcileStarted](bus, 16)
	finishedCh, unsubFinished := events.Subscribe[events.ReconcileFinished](bus, 16)

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer unsubStarted()
		defer unsubFinished()

		for {
			select {
			case evt, ok := <-startedCh:
				if !ok {
					return
				}
				r.mu.Lock()
				r.started[evt.ReconcileID] = evt
				r.mu.Unlock()
			case evt, ok := <-finishedCh:
				if !ok {
					return
				}
				r.record(ctx, evt)
			case <-r.done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (r *Recorder) record(ctx context.Context, evt events.ReconcileFinished) {
	r.mu.Lock()
	started, ok := r.started[evt.ReconcileID]
	delete(r.started, evt.ReconcileID)
	r.mu.Unlock()

	entry := Entry{
		ReconcileID: evt.ReconcileID,
		StartedAt:   evt.FinishedAt.Add(-evt.Duration),
		FinishedAt:  evt.FinishedAt,
		DurationMS:  evt.Duration.Milliseconds(),
		Outcome:     evt.Outcome,
		Status:      evt.Status,
		Project:     evt.Project,
		SnapshotID:  evt.SnapshotID,
	}
	if ok {
		entry.StartedAt = started.StartedAt
		entry.Deauthorize = started.Deauthorize
	}

	// Audit is best-effort; reconciliation outcomes are already in the log
	// output.
	if err := r.log.Record(ctx, entry); err != nil {
		slog.Warn("Failed to record reconciliation", logfields.Error(err))
	}
}

// Stop ends the subscription loop and waits for it to drain.
func (r *Recorder) Stop() {
	close(r.done)
	r.wg.Wait()
}
