package task

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// SearchContext is the shared search engine state an ExportTask serializes.
// The task holds it without owning it: whoever creates the task keeps the
// context valid until the task completes. Export may block and must honour
// its own concurrency contract, since other consumers keep using the context
// while an export is running.
type SearchContext interface {
	Export() ([]byte, error)
}

// CompletionFunc receives the outcome of an ExportTask. It is invoked exactly
// once, from the host loop.
type CompletionFunc func(res *Result)

// ExportTask runs one blocking export off the host loop and hands the
// outcome back to it.
//
// Execute runs on a worker goroutine and writes only the task's own fields.
// Complete runs on the host loop after Execute returned and is the only
// place the completion target is called. A task is single-use.
type ExportTask struct {
	ID        string
	Index     string
	CreatedAt time.Time

	search   SearchContext
	complete CompletionFunc
	clock    clock.Clock
	state    atomic.Int32

	// Written by Execute, read by Complete.
	buffer        []byte
	errMsg        string
	elapsedMillis int64
	startedAt     time.Time
	finishedAt    time.Time
}

// Option configures an ExportTask at construction.
type Option func(*ExportTask)

// WithClock sets the clock used to time the export.
func WithClock(c clock.Clock) Option {
	return func(t *ExportTask) {
		t.clock = c
	}
}

// WithID overrides the generated task ID.
func WithID(id string) Option {
	return func(t *ExportTask) {
		t.ID = id
	}
}

// WithIndex labels the task with the name of the index it exports.
func WithIndex(name string) Option {
	return func(t *ExportTask) {
		t.Index = name
	}
}

// NewExportTask creates a task that will export search and report to
// complete. A nil search or complete is a programming error and panics.
func NewExportTask(search SearchContext, complete CompletionFunc, opts ...Option) *ExportTask {
	if search == nil {
		panic(&MisuseError{Op: "NewExportTask", Err: ErrNilSearchContext})
	}
	if complete == nil {
		panic(&MisuseError{Op: "NewExportTask", Err: ErrNilCompletion})
	}

	t := &ExportTask{
		ID:       uuid.New().String(),
		search:   search,
		complete: complete,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.CreatedAt = t.clock.Now()
	return t
}

// State returns the current lifecycle state. Safe from any goroutine.
func (t *ExportTask) State() State {
	return State(t.state.Load())
}

// Execute performs the export. It must be called exactly once, from a
// worker goroutine; a second call panics. Faults raised by the search
// context, including panics, are captured into the task's error.
func (t *ExportTask) Execute() {
	if !t.state.CompareAndSwap(int32(StateCreated), int32(StateExecuting)) {
		panic(&MisuseError{Op: "Execute", TaskID: t.ID, State: t.State(), Err: ErrAlreadyExecuted})
	}

	t.startedAt = t.clock.Now()
	buf, err := t.export()
	t.finishedAt = t.clock.Now()

	t.elapsedMillis = t.finishedAt.Sub(t.startedAt).Milliseconds()
	if t.elapsedMillis < 0 {
		t.elapsedMillis = 0
	}

	if err == nil && len(buf) == 0 {
		err = ErrEmptyExport
	}
	if err != nil {
		t.errMsg = err.Error()
		if t.errMsg == "" {
			t.errMsg = ErrExportFailed.Error()
		}
		t.state.Store(int32(StateFailed))
		return
	}

	t.buffer = buf
	t.state.Store(int32(StateSucceeded))
}

func (t *ExportTask) export() (buf []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			buf = nil
			if e, ok := r.(error); ok {
				err = fmt.Errorf("export panicked: %w", e)
			} else {
				err = fmt.Errorf("export panicked: %v", r)
			}
		}
	}()
	return t.search.Export()
}

// Complete delivers the outcome to the completion target and releases the
// task's resources. It must run on the host loop, after Execute returned,
// exactly once.
func (t *ExportTask) Complete() {
	st := t.State()
	switch st {
	case StateSucceeded, StateFailed:
	case StateCompleted:
		panic(&MisuseError{Op: "Complete", TaskID: t.ID, State: st, Err: ErrAlreadyCompleted})
	default:
		panic(&MisuseError{Op: "Complete", TaskID: t.ID, State: st, Err: ErrNotExecuted})
	}
	if !t.state.CompareAndSwap(int32(st), int32(StateCompleted)) {
		panic(&MisuseError{Op: "Complete", TaskID: t.ID, State: t.State(), Err: ErrAlreadyCompleted})
	}

	res := &Result{
		TaskID:        t.ID,
		ElapsedMillis: t.elapsedMillis,
		CompletedAt:   t.finishedAt,
	}
	if st == StateFailed {
		res.Error = t.errMsg
	} else {
		res.Success = true
		res.Output = t.buffer
	}

	complete := t.complete
	t.search = nil
	t.complete = nil
	t.buffer = nil

	complete(res)
}

// Snapshot returns the task's metadata after Execute. It reads fields that
// Complete releases, so callers must take it before handing the task back
// to the host loop.
func (t *ExportTask) Snapshot() Record {
	st := t.State()
	if st != StateSucceeded && st != StateFailed {
		return Record{TaskID: t.ID, Index: t.Index, State: st, CreatedAt: t.CreatedAt}
	}
	return Record{
		TaskID:        t.ID,
		Index:         t.Index,
		State:         st,
		Size:          len(t.buffer),
		ElapsedMillis: t.elapsedMillis,
		Error:         t.errMsg,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.startedAt,
		FinishedAt:    t.finishedAt,
	}
}

// Output returns the exported bytes after a successful Execute, nil
// otherwise. The same hand-off rule as Snapshot applies.
func (t *ExportTask) Output() []byte {
	if t.State() != StateSucceeded {
		return nil
	}
	return t.buffer
}

// IsMisuse reports whether err describes a lifecycle contract violation.
func IsMisuse(err error) bool {
	var me *MisuseError
	return errors.As(err, &me)
}
