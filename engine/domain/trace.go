package domain

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StageTrace records one pipeline stage's in/out counts and drop reasons.
type StageTrace struct {
	Name    string   `json:"name"`
	Before  int      `json:"before"`
	After   int      `json:"after"`
	Reasons []string `json:"reasons,omitempty"`
}

// Trace accumulates per-stage counts for a single pipeline invocation. It is
// safe for concurrent use by the gateway's provider goroutines.
type Trace struct {
	mu        sync.Mutex
	id        string
	startedAt time.Time
	stages    []StageTrace
	index     map[string]int
	notes     []string
}

// NewTrace starts an empty trace with a fresh id.
func NewTrace() *Trace {
	return &Trace{
		id:        uuid.NewString(),
		startedAt: time.Now().UTC(),
		index:     map[string]int{},
	}
}

// ID returns the trace id.
func (t *Trace) ID() string { return t.id }

// Stage records before/after counts for name. Recording the same stage twice
// overwrites the counts and appends the reasons.
func (t *Trace) Stage(name string, before, after int, reasons ...string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if i, ok := t.index[name]; ok {
		st := &t.stages[i]
		st.Before, st.After = before, after
		st.Reasons = append(st.Reasons, reasons...)
		return
	}
	t.index[name] = len(t.stages)
	t.stages = append(t.stages, StageTrace{Name: name, Before: before, After: after, Reasons: append([]string(nil), reasons...)})
}

// Reason appends a drop reason to an already recorded stage, creating it
// with zero counts if needed.
func (t *Trace) Reason(stage, format string, args ...any) {
	if t == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[stage]
	if !ok {
		i = len(t.stages)
		t.index[stage] = i
		t.stages = append(t.stages, StageTrace{Name: stage})
	}
	t.stages[i].Reasons = append(t.stages[i].Reasons, msg)
}

// Note records a free-form fallback or failure message.
func (t *Trace) Note(format string, args ...any) {
	if t == nil {
		return
	}
	msg := fmt.Sprintf(format, args...)
	t.mu.Lock()
	t.notes = append(t.notes, msg)
	t.mu.Unlock()
}

// Stages returns a copy of the recorded stages in order.
func (t *Trace) Stages() []StageTrace {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]StageTrace, len(t.stages))
	for i, s := range t.stages {
		s.Reasons = append([]string(nil), s.Reasons...)
		out[i] = s
	}
	return out
}

// Get returns the named stage.
func (t *Trace) Get(name string) (StageTrace, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	i, ok := t.index[name]
	if !ok {
		return StageTrace{}, false
	}
	s := t.stages[i]
	s.Reasons = append([]string(nil), s.Reasons...)
	return s, true
}

// Notes returns a copy of the free-form notes.
func (t *Trace) Notes() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.notes...)
}

// TraceSnapshot is the serialisable form of a Trace.
type TraceSnapshot struct {
	ID        string       `json:"id"`
	StartedAt time.Time    `json:"started_at"`
	Stages    []StageTrace `json:"stages"`
	Notes     []string     `json:"notes,omitempty"`
}

// Snapshot copies the trace under the lock.
func (t *Trace) Snapshot() TraceSnapshot {
	return TraceSnapshot{ID: t.id, StartedAt: t.startedAt, Stages: t.Stages(), Notes: t.Notes()}
}

func (t *Trace) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Snapshot())
}
