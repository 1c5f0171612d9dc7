package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/scrapeq/internal/progress"
)

// LogSink emits one structured log line per lifecycle event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.JobID != 0 {
			fields = append(fields, zap.Int64("job_id", evt.JobID))
		}
		if evt.Scraper != "" {
			fields = append(fields, zap.String("scraper", evt.Scraper))
		}
		if evt.WorkerID != "" {
			fields = append(fields, zap.String("worker_id", evt.WorkerID))
		}
		switch evt.Stage {
		case progress.StageJobEnqueued:
			fields = append(fields, zap.String("source", evt.Source))
		case progress.StageJobDone:
			fields = append(fields, zap.Int("products", evt.Products), zap.Duration("dur", evt.Dur))
		case progress.StageJobFailed:
			fields = append(fields, zap.String("note", evt.Note), zap.Duration("dur", evt.Dur))
		case progress.StageJobReclaimed:
			fields = append(fields, zap.Int("requeued", evt.Requeued), zap.Int("failed", evt.Failed))
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
