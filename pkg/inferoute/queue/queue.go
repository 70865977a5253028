// Package queue implements the SQLite-backed work queue for asynchronous
// message processing: enqueue, claim, completion tracking, and a periodic
// sweep that requeues stuck jobs.
package queue

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Job states.
const (
	StatePending    = "pending"
	StateProcessing = "processing"
	StateDone       = "done"
	StateFailed     = "failed"
)

// maxAttempts is how many claims a job gets before it is parked as failed.
const maxAttempts = 3

// ErrEmpty is returned by Claim when no pending job exists.
var ErrEmpty = errors.New("queue empty")

// Job is one queued message-processing task.
type Job struct {
	ID         int64
	MessageID  string
	TrackingID string
	State      string
	Attempts   int
	ClaimedAt  time.Time
	CreatedAt  time.Time
}

// Queue persists jobs in the work_queue table. All methods are safe for
// concurrent use; claims are serialized through the database.
type Queue struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a queue on an open database.
func New(db *sql.DB, logger *slog.Logger) *Queue {
	return &Queue{db: db, logger: logger.With("component", "queue")}
}

// Enqueue adds a message to the queue and returns its tracking id.
func (q *Queue) Enqueue(messageID, trackingID string) (string, error) {
	_, err := q.db.Exec(`
		INSERT INTO work_queue (message_id, tracking_id, state) VALUES (?, ?, ?)`,
		messageID, trackingID, StatePending)
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", messageID, err)
	}
	q.logger.Debug("job enqueued", "message", messageID, "tracking", trackingID)
	return trackingID, nil
}

// Claim atomically takes the oldest pending job. Returns ErrEmpty when
// there is nothing to do.
func (q *Queue) Claim() (*Job, error) {
	tx, err := q.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	var job Job
	var claimedAt, createdAt sql.NullString
	err = tx.QueryRow(`
		SELECT id, message_id, tracking_id, state, attempts, claimed_at, created_at
		FROM work_queue
		WHERE state = ?
		ORDER BY created_at ASC, id ASC
		LIMIT 1`, StatePending).
		Scan(&job.ID, &job.MessageID, &job.TrackingID, &job.State, &job.Attempts, &claimedAt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("select pending job: %w", err)
	}

	now := time.Now().UTC()
	res, err := tx.Exec(`
		UPDATE work_queue SET state = ?, attempts = attempts + 1, claimed_at = ?
		WHERE id = ? AND state = ?`,
		StateProcessing, now.Format(time.RFC3339Nano), job.ID, StatePending)
	if err != nil {
		return nil, fmt.Errorf("claim job %d: %w", job.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrEmpty
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}

	job.State = StateProcessing
	job.Attempts++
	job.ClaimedAt = now
	if createdAt.Valid {
		job.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt.String)
	}
	return &job, nil
}

// Complete marks a job done.
func (q *Queue) Complete(jobID int64) error {
	return q.setState(jobID, StateDone)
}

// Fail returns a job to pending for a retry, or parks it as failed once
// its attempts are spent.
func (q *Queue) Fail(jobID int64) error {
	var attempts int
	err := q.db.QueryRow(`SELECT attempts FROM work_queue WHERE id = ?`, jobID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("fail job %d: not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}

	state := StatePending
	if attempts >= maxAttempts {
		state = StateFailed
		q.logger.Warn("job exhausted its attempts", "job", jobID, "attempts", attempts)
	}
	return q.setState(jobID, state)
}

// RequeueStuck returns processing jobs claimed before the cutoff to
// pending. Returns how many were requeued.
func (q *Queue) RequeueStuck(stuckAfter time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-stuckAfter).Format(time.RFC3339Nano)
	res, err := q.db.Exec(`
		UPDATE work_queue SET state = ?, claimed_at = NULL
		WHERE state = ? AND claimed_at < ?`,
		StatePending, StateProcessing, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stuck jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		q.logger.Info("requeued stuck jobs", "count", n)
	}
	return int(n), nil
}

// Pending returns how many jobs are waiting.
func (q *Queue) Pending() (int, error) {
	var n int
	if err := q.db.QueryRow(`SELECT COUNT(*) FROM work_queue WHERE state = ?`, StatePending).Scan(&n); err != nil {
		return 0, fmt.Errorf("count pending: %w", err)
	}
	return n, nil
}

func (q *Queue) setState(jobID int64, state string) error {
	res, err := q.db.Exec(`UPDATE work_queue SET state = ? WHERE id = ?`, state, jobID)
	if err != nil {
		return fmt.Errorf("set job %d state: %w", jobID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("set job %d state: not found", jobID)
	}
	return nil
}
