package history

import (
	"context"
	"io"
	"log/slog"
	"time"
)

// DefaultSendTimeout bounds a single sink delivery.
const DefaultSendTimeout = 5 * time.Second

// Recorder fans one event out to every configured sink. Delivery failures
// are logged and dropped; history never blocks or fails an operation.
// A nil Recorder records nothing.
type Recorder struct {
	log     *slog.Logger
	timeout time.Duration
	sinks   []Sink
}

func NewRecorder(log *slog.Logger, sinks ...Sink) *Recorder {
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{
		log:     log,
		timeout: DefaultSendTimeout,
		sinks:   append([]Sink(nil), sinks...),
	}
}

func (r *Recorder) Record(ctx context.Context, e Event) {
	if r == nil {
		return
	}
	for _, s := range r.sinks {
		sctx, cancel := context.WithTimeout(ctx, r.timeout)
		if err := s.Send(sctx, e); err != nil {
			r.log.Warn("history sink delivery failed",
				"event", e.Type, "project", e.Project, "error", err)
		}
		cancel()
	}
}

// Close closes every sink that holds resources.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	var first error
	for _, s := range r.sinks {
		if c, ok := s.(io.Closer); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
