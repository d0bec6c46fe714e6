package tracking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/glosa-engine/rules"
)

// =============================================================================
// RECORDER
// =============================================================================

// Recorder is a rules.Sink that estimates each event and appends it to a
// RecordStore, applying the guide > item hierarchy per execution and file.
type Recorder struct {
	store     RecordStore
	estimator *Estimator
	now       func() time.Time

	mu    sync.Mutex
	files map[fileKey]*fileState
}

type fileKey struct {
	executionID string
	fileName    string
}

type fileState struct {
	guides map[string]bool
	items  map[string]bool // guide id + "/" + seq
}

// RecorderOption configures a Recorder.
type RecorderOption func(*Recorder)

// WithClock overrides time.Now for RecordedAt.
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) { r.now = now }
}

// WithEstimator replaces the default estimator.
func WithEstimator(e *Estimator) RecorderOption {
	return func(r *Recorder) { r.estimator = e }
}

// NewRecorder creates a recorder writing to store.
func NewRecorder(store RecordStore, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		store:     store,
		estimator: NewEstimator(),
		now:       time.Now,
		files:     make(map[fileKey]*fileState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record implements rules.Sink.
func (r *Recorder) Record(ctx context.Context, ev rules.Event) error {
	rec := r.estimator.Estimate(ev)
	rec.RecordedAt = r.now().UTC()

	r.mu.Lock()
	r.applyHierarchy(&rec)
	r.mu.Unlock()

	return r.store.AppendRecord(ctx, rec)
}

func (r *Recorder) applyHierarchy(rec *Record) {
	if !rec.Counted {
		return
	}
	if rec.GuideID == "" {
		demote(rec, "guide not identified")
		return
	}

	st := r.state(rec.ExecutionID, rec.FileName)
	switch rec.Kind {
	case KindGuide:
		if st.guides[rec.GuideID] {
			demote(rec, "guide already counted")
			return
		}
		st.guides[rec.GuideID] = true
	case KindItem:
		if st.guides[rec.GuideID] {
			demote(rec, "item not counted, guide "+rec.GuideID+" already saved")
			return
		}
		if rec.ItemSeq == "" {
			demote(rec, "item not identified")
			return
		}
		k := rec.GuideID + "/" + rec.ItemSeq
		if st.items[k] {
			demote(rec, "item already counted")
			return
		}
		st.items[k] = true
	}
}

func (r *Recorder) state(executionID, fileName string) *fileState {
	k := fileKey{executionID: executionID, fileName: fileName}
	st, ok := r.files[k]
	if !ok {
		st = &fileState{guides: make(map[string]bool), items: make(map[string]bool)}
		r.files[k] = st
	}
	return st
}

// EndExecution releases the hierarchy state held for an execution.
func (r *Recorder) EndExecution(executionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.files {
		if k.executionID == executionID {
			delete(r.files, k)
		}
	}
}

func demote(rec *Record, note string) {
	rec.Counted = false
	rec.Kind = KindOptimization
	rec.MonetaryImpact = decimal.Zero
	rec.Note = note
}

// =============================================================================
// FAN-OUT
// =============================================================================

// Fanout delivers every event to each sink in order and joins their errors.
type Fanout []rules.Sink

func (f Fanout) Record(ctx context.Context, ev rules.Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Record(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
