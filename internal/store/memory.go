package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"busmate-tracker/internal/model"
)

// Memory implements all three stores in process. It backs STORE_BACKEND=memory
// and the package tests.
type Memory struct {
	mu        sync.RWMutex
	riders    map[string]model.Rider // school/rider -> rider
	schedules map[string][]model.RouteSchedule
	buses     map[string]*model.BusLocation
}

func NewMemory() *Memory {
	return &Memory{
		riders:    make(map[string]model.Rider),
		schedules: make(map[string][]model.RouteSchedule),
		buses:     make(map[string]*model.BusLocation),
	}
}

func key(a, b string) string { return a + "/" + b }

func (m *Memory) PutRider(r model.Rider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.riders[key(r.SchoolID, r.ID)] = r
}

func (m *Memory) PutSchedule(s model.RouteSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(s.SchoolID, s.BusID)
	list := m.schedules[k]
	for i := range list {
		if list[i].ID == s.ID {
			list[i] = s
			return
		}
	}
	m.schedules[k] = append(list, s)
}

func (m *Memory) PutBus(b model.BusLocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.buses[key(b.SchoolID, b.BusID)] = b.Clone()
}

func (m *Memory) QueryRiders(_ context.Context, q RiderQuery) ([]model.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []model.Rider
	for _, r := range m.riders {
		if q.Matches(r) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) GetRider(_ context.Context, schoolID, riderID string) (*model.Rider, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.riders[key(schoolID, riderID)]
	if !ok {
		return nil, fmt.Errorf("rider %s/%s: %w", schoolID, riderID, ErrNotFound)
	}
	return &r, nil
}

func (m *Memory) BatchUpdateRiders(_ context.Context, updates []RiderUpdate) error {
	if len(updates) > MaxBatchOps {
		return fmt.Errorf("%d updates: %w", len(updates), ErrBatchTooLarge)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range updates {
		if _, ok := m.riders[key(u.SchoolID, u.RiderID)]; !ok {
			return fmt.Errorf("rider %s/%s: %w", u.SchoolID, u.RiderID, ErrNotFound)
		}
	}
	for _, u := range updates {
		k := key(u.SchoolID, u.RiderID)
		r := m.riders[k]
		u.Apply(&r)
		m.riders[k] = r
	}
	return nil
}

func (m *Memory) SchedulesForBus(_ context.Context, schoolID, busID string) ([]model.RouteSchedule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	list := m.schedules[key(schoolID, busID)]
	out := make([]model.RouteSchedule, len(list))
	copy(out, list)
	return out, nil
}

func (m *Memory) GetBus(_ context.Context, schoolID, busID string) (*model.BusLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.buses[key(schoolID, busID)]
	if !ok {
		return nil, fmt.Errorf("bus %s/%s: %w", schoolID, busID, ErrNotFound)
	}
	return b.Clone(), nil
}

func (m *Memory) UpdateBus(_ context.Context, schoolID, busID string, fn BusUpdateFunc) (*model.BusLocation, *model.BusLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(schoolID, busID)
	before := m.buses[k].Clone()
	working := before.Clone()
	if working == nil {
		working = &model.BusLocation{SchoolID: schoolID, BusID: busID}
	}
	if err := fn(working); err != nil {
		return before, nil, err
	}
	working.SchoolID, working.BusID = schoolID, busID
	m.buses[k] = working.Clone()
	return before, working, nil
}

func (m *Memory) AllBuses(_ context.Context) ([]model.BusLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.BusLocation, 0, len(m.buses))
	for _, b := range m.buses {
		out = append(out, *b.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return key(out[i].SchoolID, out[i].BusID) < key(out[j].SchoolID, out[j].BusID)
	})
	return out, nil
}
