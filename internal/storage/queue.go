package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"

	"airelay/internal/protocol"
)

type queuedReport struct {
	report     *protocol.KPIReport
	receivedAt time.Time
}

// Queue decouples KPI persistence from routing. Enqueue never blocks: when
// the buffer is full the report is dropped and counted. A single worker
// started with Run writes every report to all sinks.
type Queue struct {
	sinks     []Sink
	writeChan chan queuedReport
	logger    *slog.Logger
	timeout   time.Duration // per-row write timeout
	closed    atomic.Bool
	dropped   atomic.Uint64
	// OnSinkError, when set, is called for every failed row write
	OnSinkError func(sink string, err error)
}

// NewQueue creates a queue holding up to capacity pending reports
func NewQueue(capacity int, sinks ...Sink) *Queue {
	return &Queue{
		sinks:     sinks,
		writeChan: make(chan queuedReport, capacity),
		logger:    slog.Default(),
		timeout:   3 * time.Second,
	}
}

// Enqueue hands a report to the worker. It reports false when the report was
// dropped because the queue is closed or full.
func (q *Queue) Enqueue(report *protocol.KPIReport) bool {
	if q.closed.Load() || len(q.sinks) == 0 {
		return false
	}

	// Monitor write channel depth
	queueDepth := len(q.writeChan)
	if queueDepth > cap(q.writeChan)/2 {
		q.logger.Warn("kpi_queue_high_watermark",
			"queue_depth", queueDepth,
		)
	}

	select {
	case q.writeChan <- queuedReport{report: report, receivedAt: time.Now()}:
		return true
	default:
		q.dropped.Add(1)
		q.logger.Warn("kpi_queue_full_dropping_report",
			"meid", report.MEID.String(),
			"dropped_total", q.dropped.Load(),
		)
		return false
	}
}

// Dropped is the number of reports discarded because the queue was full
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Run drains the queue until ctx is cancelled, then flushes what is left
func (q *Queue) Run(ctx context.Context) {
	q.logger.Info("kpi_writer_started", "sinks", len(q.sinks), "capacity", cap(q.writeChan))
	for {
		select {
		case <-ctx.Done():
			remaining := len(q.writeChan)
			q.logger.Info("kpi_writer_shutting_down", "remaining", remaining)
			for i := 0; i < remaining; i++ {
				q.write(<-q.writeChan)
			}
			return
		case item := <-q.writeChan:
			q.write(item)
		}
	}
}

func (q *Queue) write(item queuedReport) {
	cell, ues := RowsFromReport(item.report, item.receivedAt)
	if cell == nil && len(ues) == 0 {
		return
	}

	for _, sink := range q.sinks {
		name := sinkName(sink)
		if cell != nil {
			q.report(name, q.withTimeout(func(ctx context.Context) error {
				return sink.WriteCellRow(ctx, *cell)
			}))
		}
		for _, ue := range ues {
			q.report(name, q.withTimeout(func(ctx context.Context) error {
				return sink.WriteUERow(ctx, ue)
			}))
		}
	}
}

func (q *Queue) withTimeout(fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()
	return fn(ctx)
}

func (q *Queue) report(sink string, err error) {
	if err == nil {
		return
	}
	q.logger.Error("kpi_sink_write_failed",
		"sink", sink,
		"error", err,
	)
	if q.OnSinkError != nil {
		q.OnSinkError(sink, err)
	}
}

// Close stops accepting reports and closes every sink. Call it after Run
// has returned so pending rows are flushed first.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	var err error
	for _, sink := range q.sinks {
		if cerr := sink.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("%s: %w", sinkName(sink), cerr))
		}
	}
	return err
}

func sinkName(s Sink) string {
	switch s.(type) {
	case *CSVSink:
		return "csv"
	case *RedisSink:
		return "redis"
	case *PostgresSink:
		return "postgres"
	default:
		return fmt.Sprintf("%T", s)
	}
}
