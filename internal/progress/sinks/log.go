package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/repo-census/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. Request
// events are logged at debug level since a census issues hundreds of
// thousands of them.
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
		level := zapcore.InfoLevel
		if evt.Stage == progress.StageRequestDone || evt.Stage == progress.StagePartitionProgress {
			level = zapcore.DebugLevel
		}
		ce := s.logger.Check(level, "progress event")
		if ce == nil {
			continue
		}
		ce.Write(
			zap.Stringer("run_id", evt.RunUUID()),
			zap.String("stage", string(evt.Stage)),
			zap.String("op", evt.Op),
			zap.String("outcome", string(evt.Outcome)),
			zap.String("region", evt.Region),
			zap.Int("index", evt.Index),
			zap.Int64("count", evt.Count),
			zap.Int64("records", evt.Records),
			zap.Int64("found", evt.Found),
			zap.Int64("queued", evt.Queued),
			zap.Duration("dur", evt.Dur),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
