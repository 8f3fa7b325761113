package registry

import "time"

// UnknownTotal marks progress events whose total is not known up front.
const UnknownTotal int64 = -1

// Reporter receives structured activity events from connectors and the
// orchestrator.
type Reporter interface {
	Report(Event)
}

// Event is one structured activity-log entry: an event name plus contextual
// payload.
type Event struct {
	Vendor  string
	Account string
	Stage   string
	Current int64
	Total   int64
	Message string
	Done    bool
	Err     error
	At      time.Time
}

// ReporterFunc adapts a function to the Reporter interface.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }
