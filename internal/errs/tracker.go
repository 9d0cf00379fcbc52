package errs

import (
	"context"

	"github.com/soltixdb/searchcoord/internal/logging"
	"github.com/soltixdb/searchcoord/internal/metrics"
)

// Tracker records unexpected errors before they are re-raised to the retry mechanism
type Tracker interface {
	Track(ctx context.Context, component string, err error, fields ...interface{})
}

// LogTracker logs tracked errors and counts them per component
type LogTracker struct {
	logger *logging.Logger
}

// NewLogTracker creates a tracker writing to logger
func NewLogTracker(logger *logging.Logger) *LogTracker {
	return &LogTracker{logger: logger}
}

func (t *LogTracker) Track(ctx context.Context, component string, err error, fields ...interface{}) {
	if err == nil {
		return
	}
	metrics.ErrorsTracked.WithLabelValues(component).Inc()
	fields = append(fields, "component", component, "error", err)
	t.logger.WithContext(ctx).Error("Tracked exception", fields...)
}

// TrackAndReturn tracks err and hands it back so callers can `return tracker.TrackAndReturn(...)`
func TrackAndReturn(ctx context.Context, t Tracker, component string, err error, fields ...interface{}) error {
	if err != nil && t != nil {
		t.Track(ctx, component, err, fields...)
	}
	return err
}
