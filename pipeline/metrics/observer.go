package metrics

import "github.com/convopipe/convopipe/pipeline/watchdog"

// WatchdogObserver feeds watchdog events into the exporter.
type WatchdogObserver struct {
	exporter *Exporter
}

// NewWatchdogObserver wraps the exporter as a watchdog observer.
func NewWatchdogObserver(e *Exporter) *WatchdogObserver {
	return &WatchdogObserver{exporter: e}
}

func (o *WatchdogObserver) OnEvent(ev watchdog.Event) {
	switch ev.Type {
	case watchdog.EventStageCompleted:
		o.exporter.RecordStage(string(ev.Stage), ev.Duration)
	case watchdog.EventStageTimedOut:
		o.exporter.RecordStageTimeout(string(ev.Stage))
	}
}
