package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

// MaxStreamAttempts is how many times a finalized record is offered to the
// streamer before it is parked as failed.
const MaxStreamAttempts = 5

const (
	// StreamRetryBackoff is the delay before the first retry of a failed
	// record; it doubles with every further attempt.
	StreamRetryBackoff = 5 * time.Second
	// StreamClaimTimeout is how long an in_progress claim may stand before
	// another worker takes the record over.
	StreamClaimTimeout = 5 * time.Minute
)

// FetchPendingExecutions claims up to limit finalized records for streaming.
// Claimed rows move to in_progress so concurrent workers skip them. Records
// waiting out a retry backoff are skipped, and claims older than
// StreamClaimTimeout are taken over.
func (s *PGStore) FetchPendingExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	claimTimeout := StreamClaimTimeout.Seconds()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback()

	// Expired claims with no attempts left are parked rather than retried.
	if _, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET stream_status = 'failed', stream_claimed_at = NULL,
			stream_last_error = COALESCE(stream_last_error, 'stream claim expired')
		WHERE stream_status = 'in_progress'
			AND stream_claimed_at < now() - make_interval(secs => $1)
			AND stream_attempts >= $2
	`, claimTimeout, MaxStreamAttempts); err != nil {
		return nil, fmt.Errorf("park expired claims: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT `+executionColumns+`
		FROM executions
		WHERE (stream_status = 'pending'
				AND (stream_next_attempt_at IS NULL OR stream_next_attempt_at <= now()))
			OR (stream_status = 'in_progress'
				AND stream_claimed_at < now() - make_interval(secs => $2))
		ORDER BY completed_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit, claimTimeout)
	if err != nil {
		return nil, fmt.Errorf("select pending executions: %w", err)
	}
	var out []models.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan pending execution: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return nil, tx.Commit()
	}

	ids := make([]string, len(out))
	for i, rec := range out {
		ids[i] = rec.RunID.String()
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE executions
		SET stream_status = 'in_progress', stream_attempts = stream_attempts + 1, stream_claimed_at = now()
		WHERE run_id::text = ANY($1)
	`, pq.Array(ids)); err != nil {
		return nil, fmt.Errorf("claim pending executions: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return out, nil
}

// MarkStreamResult records the outcome of streaming one record. Failures
// return the row to pending, with an exponential retry delay, until
// MaxStreamAttempts is reached.
func (s *PGStore) MarkStreamResult(ctx context.Context, runID uuid.UUID, archivedKey sql.NullString, ok bool, errMsg sql.NullString) error {
	var err error
	if ok {
		_, err = s.db.ExecContext(ctx, `
			UPDATE executions
			SET stream_status = 'done', archived_key = $1, stream_last_error = NULL, streamed_at = now(),
				stream_claimed_at = NULL, stream_next_attempt_at = NULL
			WHERE run_id = $2
		`, archivedKey, runID)
	} else {
		_, err = s.db.ExecContext(ctx, fmt.Sprintf(`
			UPDATE executions
			SET stream_status = CASE WHEN stream_attempts >= %d THEN 'failed' ELSE 'pending' END,
				stream_last_error = $1,
				stream_claimed_at = NULL,
				stream_next_attempt_at = now() + make_interval(secs => $3 * power(2, GREATEST(stream_attempts - 1, 0)))
			WHERE run_id = $2
		`, MaxStreamAttempts), errMsg, runID, StreamRetryBackoff.Seconds())
	}
	if err != nil {
		return fmt.Errorf("mark stream result: %w", err)
	}
	return nil
}
