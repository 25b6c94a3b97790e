// Package store defines the durable stores the tracker reads and writes: a
// document store for riders and route schedules, and a tree store holding one
// BusLocation subtree per school+bus.
package store

import (
	"context"
	"errors"
	"time"

	"busmate-tracker/internal/model"
)

// MaxBatchOps is the most rider mutations a single batch may carry.
const MaxBatchOps = 500

var (
	ErrNotFound      = errors.New("not found")
	ErrBatchTooLarge = errors.New("batch exceeds store limit")
)

// RiderQuery selects riders by equality on the indexed fields. Empty strings
// are not filtered on. RouteID scopes a multi-route bus: riders without a
// route assignment ride every route of their bus and always match.
type RiderQuery struct {
	SchoolID       string
	BusID          string
	RouteID        string
	TripID         string
	OnlyUnnotified bool
}

func (q RiderQuery) Matches(r model.Rider) bool {
	if q.SchoolID != "" && r.SchoolID != q.SchoolID {
		return false
	}
	if q.BusID != "" && r.AssignedBusID != q.BusID {
		return false
	}
	if q.RouteID != "" && r.AssignedRouteID != "" && r.AssignedRouteID != q.RouteID {
		return false
	}
	if q.TripID != "" && r.CurrentTripID != q.TripID {
		return false
	}
	if q.OnlyUnnotified && r.Notified {
		return false
	}
	return true
}

type RiderOp int

const (
	// OpResetForTrip re-arms a rider for a new trip.
	OpResetForTrip RiderOp = iota + 1
	// OpMarkNotified records a confirmed delivery for the trip.
	OpMarkNotified
)

func (op RiderOp) String() string {
	switch op {
	case OpResetForTrip:
		return "reset_for_trip"
	case OpMarkNotified:
		return "mark_notified"
	default:
		return "unknown"
	}
}

type RiderUpdate struct {
	SchoolID string
	RiderID  string
	Op       RiderOp
	TripID   string
	At       time.Time
}

// Apply mutates r according to u.
func (u RiderUpdate) Apply(r *model.Rider) {
	switch u.Op {
	case OpResetForTrip:
		r.Notified = false
		r.CurrentTripID = u.TripID
		r.LastNotifiedAt = nil
		r.LastNotifiedTripID = ""
	case OpMarkNotified:
		at := u.At
		r.Notified = true
		r.LastNotifiedTripID = u.TripID
		r.LastNotifiedAt = &at
	}
}

type RiderStore interface {
	QueryRiders(ctx context.Context, q RiderQuery) ([]model.Rider, error)
	GetRider(ctx context.Context, schoolID, riderID string) (*model.Rider, error)
	// BatchUpdateRiders applies all updates or none. More than MaxBatchOps
	// updates are refused with ErrBatchTooLarge.
	BatchUpdateRiders(ctx context.Context, updates []RiderUpdate) error
}

type ScheduleStore interface {
	SchedulesForBus(ctx context.Context, schoolID, busID string) ([]model.RouteSchedule, error)
}

// BusUpdateFunc mutates a BusLocation in place. Returning an error aborts the write.
type BusUpdateFunc func(loc *model.BusLocation) error

type BusStore interface {
	GetBus(ctx context.Context, schoolID, busID string) (*model.BusLocation, error)
	// UpdateBus runs a read-modify-write on one bus subtree. A bus that does
	// not exist yet is handed to fn as an empty document and before is nil.
	UpdateBus(ctx context.Context, schoolID, busID string, fn BusUpdateFunc) (before, after *model.BusLocation, err error)
	AllBuses(ctx context.Context) ([]model.BusLocation, error)
}
