package progress

import (
	"sync"
)

// Dispatch phase statuses
const (
	StatusDispatching = "dispatching"
	StatusDispatched  = "dispatched"
)

// Terminal event names. Progress events are unnamed.
const (
	EventDone  = "done"
	EventError = "error"
)

// Event is one notification on the dispatch stream
type Event struct {
	Name string
	Data any
}

// Update reports how many tasks of a job were handed to the queue
type Update struct {
	Progress int    `json:"progress"`
	Total    int    `json:"total"`
	Status   string `json:"status"`
}

// Result closes a successful dispatch
type Result struct {
	JobID   string `json:"jobId"`
	Message string `json:"message"`
}

// Failure closes a failed dispatch
type Failure struct {
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// Dispatching is emitted before the batch publish
func Dispatching(total int) Event {
	return Event{Data: Update{Progress: 0, Total: total, Status: StatusDispatching}}
}

// Dispatched is emitted once the queue accepted the batch
func Dispatched(sent, total int) Event {
	return Event{Data: Update{Progress: sent, Total: total, Status: StatusDispatched}}
}

// Done is the terminal event of a successful dispatch
func Done(jobID, message string) Event {
	return Event{Name: EventDone, Data: Result{JobID: jobID, Message: message}}
}

// Failed is the terminal event of a failed dispatch
func Failed(jobID, message string, err error) Event {
	f := Failure{JobID: jobID, Message: message}
	if err != nil {
		f.Error = err.Error()
	}
	return Event{Name: EventError, Data: f}
}

// Sink receives dispatch notifications. A Sink error only means the
// notification was lost; dispatch carries on.
type Sink interface {
	Emit(e Event) error
}

// Discard drops every event
var Discard Sink = discard{}

type discard struct{}

func (discard) Emit(Event) error { return nil }

// Recorder keeps every event in memory
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of what was emitted so far
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}
