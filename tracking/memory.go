package tracking

import (
	"context"
	"sync"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory implements RecordStore and ExecutionLog.
type Memory struct {
	mu         sync.RWMutex
	records    map[string][]Record // by execution id, append order
	keys       map[string]bool
	executions map[string]Execution
}

func NewMemory() *Memory {
	return &Memory{
		records:    make(map[string][]Record),
		keys:       make(map[string]bool),
		executions: make(map[string]Execution),
	}
}

// AppendRecord adds a record. Append-only; a repeated key is ignored.
func (m *Memory) AppendRecord(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := rec.Key()
	if m.keys[k] {
		return nil
	}
	m.keys[k] = true
	m.records[rec.ExecutionID] = append(m.records[rec.ExecutionID], rec)
	return nil
}

func (m *Memory) ListRecords(_ context.Context, executionID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]Record, len(m.records[executionID]))
	copy(result, m.records[executionID])
	return result, nil
}

func (m *Memory) StartExecution(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID] = exec
	return nil
}

func (m *Memory) FinishExecution(_ context.Context, exec Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[exec.ID]; !ok {
		return ErrExecutionNotFound
	}
	m.executions[exec.ID] = exec
	return nil
}

func (m *Memory) GetExecution(_ context.Context, id string) (*Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrExecutionNotFound
	}
	return &exec, nil
}
