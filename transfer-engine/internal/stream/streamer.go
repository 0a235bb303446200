// Package stream publishes finalized execution records to Kafka and archives
// them to S3. The executions table is the outbox: a record is retried until
// both sinks accept it or its attempts run out.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/metrics"
	"github.com/pearcestephens/vapeshed-transfer-sub001/transfer-engine/internal/models"
)

const EventType = "transfer.execution.finalized"

type Producer interface {
	Produce(ctx context.Context, key []byte, value []byte) (producedAt time.Time, err error)
	Close() error
}

// Outbox is the store side of the streamer; store.PGStore implements it.
type Outbox interface {
	FetchPendingExecutions(ctx context.Context, limit int) ([]models.ExecutionRecord, error)
	MarkStreamResult(ctx context.Context, runID uuid.UUID, archivedKey sql.NullString, ok bool, errMsg sql.NullString) error
}

type Config struct {
	BatchSize      int
	PollInterval   time.Duration
	MaxConcurrency int
	Logger         *log.Logger
}

type Streamer struct {
	outbox   Outbox
	producer Producer
	archiver Archiver
	cfg      Config
	logger   *log.Logger
	wg       sync.WaitGroup
}

func NewStreamer(outbox Outbox, producer Producer, archiver Archiver, cfg Config) *Streamer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[stream] ", log.LstdFlags)
	}
	return &Streamer{
		outbox:   outbox,
		producer: producer,
		archiver: archiver,
		cfg:      cfg,
		logger:   logger,
	}
}

type envelope struct {
	Type   string                 `json:"type"`
	Record models.ExecutionRecord `json:"record"`
}

func encodeEnvelope(rec models.ExecutionRecord) ([]byte, error) {
	b, err := json.Marshal(envelope{Type: EventType, Record: rec})
	if err != nil {
		return nil, fmt.Errorf("encode envelope: %w", err)
	}
	return b, nil
}

// Run polls for pending records until ctx is cancelled, then waits for
// in-flight work and closes the producer.
func (s *Streamer) Run(ctx context.Context) error {
	s.logger.Printf("starting (batch=%d, concurrency=%d)", s.cfg.BatchSize, s.cfg.MaxConcurrency)
	defer s.logger.Printf("stopped")

	sem := make(chan struct{}, s.cfg.MaxConcurrency)
	for {
		if ctx.Err() != nil {
			s.wg.Wait()
			if s.producer != nil {
				_ = s.producer.Close()
			}
			return ctx.Err()
		}

		recs, err := s.outbox.FetchPendingExecutions(ctx, s.cfg.BatchSize)
		if err != nil {
			s.logger.Printf("fetch pending: %v", err)
		}
		if err != nil || len(recs) == 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.PollInterval):
			}
			continue
		}

		var failures atomic.Int32
		for _, rec := range recs {
			sem <- struct{}{}
			s.wg.Add(1)
			go func(rec models.ExecutionRecord) {
				defer func() {
					<-sem
					s.wg.Done()
				}()
				if err := s.process(ctx, rec); err != nil {
					failures.Add(1)
					s.logger.Printf("run %s: %v", rec.RunID, err)
				}
			}(rec)
		}
		// Drain the batch before claiming more.
		s.wg.Wait()

		// A failing sink is not retried immediately.
		if failures.Load() > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(s.cfg.PollInterval):
			}
		}
	}
}

// process produces then archives one record and stores the outcome.
func (s *Streamer) process(parent context.Context, rec models.ExecutionRecord) error {
	ctx, cancel := context.WithTimeout(parent, 30*time.Second)
	defer cancel()
	// The result is written even when parent is being cancelled.
	markCtx := context.WithoutCancel(parent)

	failed := func(stage string, err error) error {
		metrics.RecordStreamResult(false)
		msg := sql.NullString{String: fmt.Sprintf("%s: %v", stage, err), Valid: true}
		if merr := s.outbox.MarkStreamResult(markCtx, rec.RunID, sql.NullString{}, false, msg); merr != nil {
			s.logger.Printf("run %s: mark failure: %v", rec.RunID, merr)
		}
		return fmt.Errorf("%s: %w", stage, err)
	}

	body, err := encodeEnvelope(rec)
	if err != nil {
		return failed("encode", err)
	}
	producedAt, err := s.producer.Produce(ctx, []byte(rec.RunID.String()), body)
	if err != nil {
		return failed("kafka produce", err)
	}

	var archivedKey sql.NullString
	if s.archiver != nil {
		key, err := s.archiver.ArchiveExecution(ctx, rec)
		if err != nil {
			return failed("s3 archive", err)
		}
		archivedKey = sql.NullString{String: key, Valid: true}
	}

	if err := s.outbox.MarkStreamResult(markCtx, rec.RunID, archivedKey, true, sql.NullString{}); err != nil {
		return fmt.Errorf("mark stream success: %w", err)
	}
	metrics.RecordStreamResult(true)
	s.logger.Printf("run %s streamed: produced_at=%s archived_key=%s", rec.RunID, producedAt.Format(time.RFC3339Nano), archivedKey.String)
	return nil
}
