package runs

import (
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/testgen/internal/events"
	"github.com/fyrsmithlabs/testgen/internal/pipeline"
)

// record is the service's view of one run.
type record struct {
	pub *events.Publisher

	mu   sync.Mutex
	snap Snapshot
}

func (r *record) handle() Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Handle{RunID: r.snap.RunID, ProjectID: r.snap.ProjectID, Status: r.snap.Status}
}

func (r *record) snapshot() *Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	c := r.snap
	if c.State != nil {
		c.State = c.State.Clone()
	}
	return &c
}

// progress stores the post-merge state of a stage. state is already a copy.
func (r *record) progress(state *pipeline.State, next pipeline.Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.State = state
	r.snap.Stage = next
	r.snap.UpdatedAt = time.Now().UTC()
}

func (r *record) pause(state *pipeline.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Status = StatusAwaitingReview
	r.snap.State = state.Clone()
	r.snap.Stage = pipeline.NodeUserReview
	r.snap.UpdatedAt = time.Now().UTC()
}

// beginResume flips an awaiting run back to running. It reports false when
// the run is not awaiting review, so concurrent feedback resumes once.
func (r *record) beginResume() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.snap.Status != StatusAwaitingReview {
		return false
	}
	r.snap.Status = StatusRunning
	r.snap.UpdatedAt = time.Now().UTC()
	return true
}

func (r *record) finish(status Status, state *pipeline.State, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snap.Status = status
	if state != nil {
		r.snap.State = state.Clone()
		r.snap.Stage = state.CurrentStage
	}
	if err != nil {
		r.snap.Error = err.Error()
	}
	r.snap.UpdatedAt = time.Now().UTC()
}

func sortNewestFirst(snaps []*Snapshot) {
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].CreatedAt.After(snaps[j].CreatedAt) })
}
