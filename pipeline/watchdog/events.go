package watchdog

import (
	"log/slog"
	"time"
)

// EventType enumerates watchdog lifecycle events. Events for one stage are
// strictly ordered started -> (timeout|aborted)? -> completed.
type EventType int

const (
	EventRequestStarted EventType = iota
	EventStageStarted
	EventStageTimedOut
	EventStageAborted
	EventStageCompleted
	EventRequestAborted
	EventRequestCompleted
)

func (t EventType) String() string {
	switch t {
	case EventRequestStarted:
		return "request_started"
	case EventStageStarted:
		return "stage_started"
	case EventStageTimedOut:
		return "stage_timeout"
	case EventStageAborted:
		return "stage_aborted"
	case EventStageCompleted:
		return "stage_completed"
	case EventRequestAborted:
		return "request_aborted"
	case EventRequestCompleted:
		return "request_completed"
	}
	return "unknown"
}

// Event is one typed lifecycle record.
type Event struct {
	Type         EventType
	RequestID    string
	Stage        Stage
	Duration     time.Duration
	WithinBudget bool
	Reason       string
}

// Observer consumes watchdog events. Implementations must be fast and
// non-blocking; they run on timer goroutines.
type Observer interface {
	OnEvent(Event)
}

// NopObserver discards all events.
type NopObserver struct{}

func (NopObserver) OnEvent(Event) {}

// LogObserver writes events as structured log records.
type LogObserver struct {
	Logger *slog.Logger
}

func (o LogObserver) OnEvent(e Event) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attrs := []any{"request_id", e.RequestID}
	if e.Stage != "" {
		attrs = append(attrs, "stage", string(e.Stage))
	}
	switch e.Type {
	case EventStageCompleted:
		attrs = append(attrs, "duration_ms", e.Duration.Milliseconds(), "within_budget", e.WithinBudget)
		logger.Debug(e.Type.String(), attrs...)
	case EventStageTimedOut, EventStageAborted, EventRequestAborted:
		if e.Reason != "" {
			attrs = append(attrs, "reason", e.Reason)
		}
		logger.Warn(e.Type.String(), attrs...)
	case EventRequestCompleted:
		attrs = append(attrs, "total_ms", e.Duration.Milliseconds())
		logger.Info(e.Type.String(), attrs...)
	default:
		logger.Debug(e.Type.String(), attrs...)
	}
}

// MultiObserver fans one event out to several observers in order.
type MultiObserver []Observer

func (m MultiObserver) OnEvent(e Event) {
	for _, o := range m {
		o.OnEvent(e)
	}
}
