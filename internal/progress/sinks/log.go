package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/spiderfleet/internal/progress"
)

// LogSink writes run milestones to a zap logger. Fetch and record events are
// logged at debug level.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wraps logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("spider", evt.Spider),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageRunStart, progress.StageRunDone, progress.StageRunTerminated:
			s.logger.Info("spider run progress", append(fields, zap.Duration("dur", evt.Dur))...)
		case progress.StageRunError:
			s.logger.Error("spider run progress", append(fields, zap.Duration("dur", evt.Dur), zap.String("note", evt.Note))...)
		default:
			s.logger.Debug("spider run progress", append(fields,
				zap.String("site", evt.Site),
				zap.String("url", evt.URL),
				zap.Int64("bytes", evt.Bytes),
				zap.String("status_class", string(evt.StatusClass)),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)...)
		}
	}
	return nil
}

// Close implements progress.Sink.
func (s *LogSink) Close(context.Context) error {
	return nil
}
