package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cjeanneret/GuideGo/internal/logic/calibration"
	"github.com/cjeanneret/GuideGo/internal/logic/tracking"
)

// MemoryCalibrations keeps calibrations for the lifetime of the process.
type MemoryCalibrations struct {
	mu   sync.RWMutex
	next int64
	byID map[int64]*calibration.Calibration
}

func NewMemoryCalibrations() *MemoryCalibrations {
	return &MemoryCalibrations{byID: make(map[int64]*calibration.Calibration)}
}

// Add stores a copy of c and returns its new id.
func (m *MemoryCalibrations) Add(_ context.Context, c *calibration.Calibration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	cp := c.Clone()
	cp.ID = m.next
	m.byID[cp.ID] = cp
	return cp.ID, nil
}

func (m *MemoryCalibrations) Get(_ context.Context, id int64) (*calibration.Calibration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return nil, fmt.Errorf("calibration %d: %w", id, ErrNotFound)
	}
	return c.Clone(), nil
}

// FindByDescriptor returns matching ids in insertion order.
func (m *MemoryCalibrations) FindByDescriptor(_ context.Context, d calibration.Descriptor) ([]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []int64
	for id, c := range m.byID {
		if c.Descriptor == d {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// MemoryRuns keeps tracking runs for the lifetime of the process.
type MemoryRuns struct {
	mu   sync.RWMutex
	next int64
	byID map[int64]*tracking.Run
}

func NewMemoryRuns() *MemoryRuns {
	return &MemoryRuns{byID: make(map[int64]*tracking.Run)}
}

// Add stores the run header and any points it already has.
func (m *MemoryRuns) Add(_ context.Context, r *tracking.Run) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	cp := *r
	cp.ID = m.next
	cp.Points = append([]tracking.Point(nil), r.Points...)
	m.byID[cp.ID] = &cp
	return cp.ID, nil
}

func (m *MemoryRuns) AppendPoint(_ context.Context, runID int64, p tracking.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[runID]
	if !ok {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	r.Points = append(r.Points, p)
	return nil
}

func (m *MemoryRuns) History(_ context.Context, runID int64) ([]tracking.Point, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[runID]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	return append([]tracking.Point(nil), r.Points...), nil
}

func (m *MemoryRuns) End(_ context.Context, runID int64, ended time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.byID[runID]
	if !ok {
		return fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	r.Ended = ended
	return nil
}

// Get returns a copy of a run with its points.
func (m *MemoryRuns) Get(_ context.Context, runID int64) (*tracking.Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.byID[runID]
	if !ok {
		return nil, fmt.Errorf("run %d: %w", runID, ErrNotFound)
	}
	cp := *r
	cp.Points = append([]tracking.Point(nil), r.Points...)
	return &cp, nil
}
