package store

import (
	"sync"

	"github.com/agent-relay/relay/internal/workflow"
)

// Memory is a map-backed Store with no durability, used by tests where a
// run's state never needs to outlive the process.
type Memory struct {
	mu    sync.RWMutex
	runs  map[string]*workflow.Run
	steps map[string]*workflow.Step
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:  make(map[string]*workflow.Run),
		steps: make(map[string]*workflow.Step),
	}
}

func (m *Memory) InsertRun(run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) UpdateRun(run *workflow.Run) error {
	return m.InsertRun(run)
}

func (m *Memory) InsertStep(step *workflow.Step) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *step
	m.steps[stepKey(step.RunID, step.Name)] = &cp
	return nil
}

func (m *Memory) UpdateStep(step *workflow.Step) error {
	return m.InsertStep(step)
}

func (m *Memory) LoadRuns() (map[string]*workflow.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*workflow.Run, len(m.runs))
	for k, v := range m.runs {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (m *Memory) LoadSteps() (map[string]*workflow.Step, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*workflow.Step, len(m.steps))
	for k, v := range m.steps {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func stepKey(runID, name string) string {
	return runID + "/" + name
}
