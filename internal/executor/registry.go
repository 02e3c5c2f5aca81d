package executor

import (
	"sync"
	"sync/atomic"
	"time"
)

// ActiveRun pairs a running process with the execution it belongs to.
type ActiveRun struct {
	ScriptID    string
	ExecutionID string
	Process     *Process
	Artifact    string
	StartedAt   time.Time

	// Exactly one party writes the terminal status: the run itself or
	// whoever cancels it. The winner closes finalized once it is persisted.
	claimed      atomic.Bool
	finalized    chan struct{}
	finalizeOnce sync.Once
}

func newActiveRun(scriptID, execID string, proc *Process, artifact string) *ActiveRun {
	return &ActiveRun{
		ScriptID:    scriptID,
		ExecutionID: execID,
		Process:     proc,
		Artifact:    artifact,
		StartedAt:   time.Now(),
		finalized:   make(chan struct{}),
	}
}

func (r *ActiveRun) claim() bool {
	return r.claimed.CompareAndSwap(false, true)
}

func (r *ActiveRun) markFinalized() {
	r.finalizeOnce.Do(func() { close(r.finalized) })
}

// Finalized is closed once the run's terminal status has been written.
func (r *ActiveRun) Finalized() <-chan struct{} {
	return r.finalized
}

// Registry maps a script id to its single active run. Every method holds
// mu for its whole body, so check-and-replace and check-and-remove are
// atomic with respect to each other.
type Registry struct {
	mu       sync.Mutex
	byScript map[string]*ActiveRun
}

func NewRegistry() *Registry {
	return &Registry{byScript: make(map[string]*ActiveRun)}
}

// PreemptAndRegister installs run as the current run for its script and
// returns the run it displaced, if any. The caller must cancel the
// displaced run.
func (r *Registry) PreemptAndRegister(run *ActiveRun) (*ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.byScript[run.ScriptID]
	r.byScript[run.ScriptID] = run
	if ok && prev == run {
		return nil, false
	}
	return prev, ok
}

// Take removes and returns the active run for scriptID.
func (r *Registry) Take(scriptID string) (*ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.byScript[scriptID]
	if ok {
		delete(r.byScript, scriptID)
	}
	return run, ok
}

// TakeRun removes and returns the active run with the given execution id.
func (r *Registry) TakeRun(execID string) (*ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for scriptID, run := range r.byScript {
		if run.ExecutionID == execID {
			delete(r.byScript, scriptID)
			return run, true
		}
	}
	return nil, false
}

// UnregisterIfCurrent removes the entry for scriptID only while it still
// belongs to execID. A preempted run finishing late therefore cannot
// remove its replacement.
func (r *Registry) UnregisterIfCurrent(scriptID, execID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.byScript[scriptID]
	if !ok || run.ExecutionID != execID {
		return false
	}
	delete(r.byScript, scriptID)
	return true
}

// Active returns the current run for scriptID.
func (r *Registry) Active(scriptID string) (*ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	run, ok := r.byScript[scriptID]
	return run, ok
}

// Lookup finds an active run by execution id.
func (r *Registry) Lookup(execID string) (*ActiveRun, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, run := range r.byScript {
		if run.ExecutionID == execID {
			return run, true
		}
	}
	return nil, false
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byScript)
}

// Drain empties the registry and returns everything that was in it.
func (r *Registry) Drain() []*ActiveRun {
	r.mu.Lock()
	defer r.mu.Unlock()
	runs := make([]*ActiveRun, 0, len(r.byScript))
	for _, run := range r.byScript {
		runs = append(runs, run)
	}
	clear(r.byScript)
	return runs
}
