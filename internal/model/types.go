package model

import (
	"strings"
	"time"
)

type Direction string

const (
	DirectionPickup Direction = "pickup"
	DirectionDrop   Direction = "drop"
)

// ParseDirection maps stored direction strings onto a Direction. Anything that
// is not recognisably a drop trip is treated as pickup.
func ParseDirection(s string) Direction {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "drop", "dropoff", "drop-off", "evening":
		return DirectionDrop
	default:
		return DirectionPickup
	}
}

type LatLng struct {
	Lat float64 `json:"latitude"`
	Lng float64 `json:"longitude"`
}

// Position is one GPS fix reported for a bus.
type Position struct {
	Lat       float64   `json:"latitude"`
	Lng       float64   `json:"longitude"`
	SpeedMps  float64   `json:"speed"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Stop is an entry of BusLocation.RemainingStops.
type Stop struct {
	Name                      string    `json:"name"`
	Latitude                  float64   `json:"latitude"`
	Longitude                 float64   `json:"longitude"`
	EstimatedMinutesOfArrival *float64  `json:"estimatedMinutesOfArrival,omitempty"`
	OriginalETA               *float64  `json:"originalETA,omitempty"` // baseline from the last provider call
	DistanceMeters            float64   `json:"distanceMeters,omitempty"`
	ETA                       time.Time `json:"eta,omitzero"`
	Decremented               bool      `json:"decremented,omitempty"`
}

func (s Stop) LatLng() LatLng { return LatLng{Lat: s.Latitude, Lng: s.Longitude} }

// Minutes returns a pointer to v, for the optional ETA fields.
func Minutes(v float64) *float64 { return &v }

const (
	ETAMethodProvider = "routing_provider"
	ETAMethodFallback = "fallback_distance"
)

// BusLocation is the live document kept per school+bus.
type BusLocation struct {
	SchoolID string `json:"schoolId"`
	BusID    string `json:"busId"`

	Position           Position `json:"position"`
	IsActive           bool     `json:"isActive"`
	IsWithinTripWindow bool     `json:"isWithinTripWindow"`
	InactiveReason     string   `json:"inactiveReason,omitempty"`

	ActiveRouteID     string    `json:"activeRouteId,omitempty"`
	TripDirection     Direction `json:"tripDirection,omitempty"`
	RouteName         string    `json:"routeName,omitempty"`
	ScheduleStartTime string    `json:"scheduleStartTime,omitempty"`
	ScheduleEndTime   string    `json:"scheduleEndTime,omitempty"`

	CurrentTripID       string    `json:"currentTripId,omitempty"`
	TripStartedAt       time.Time `json:"tripStartedAt,omitzero"`
	StudentsResetTripID string    `json:"studentsResetTripId,omitempty"`
	LastCompletedTripID string    `json:"lastCompletedTripId,omitempty"`

	RemainingStops   []Stop `json:"remainingStops,omitempty"`
	TotalStops       int    `json:"totalStops"`
	StopsPassedCount int    `json:"stopsPassedCount"`

	LastRoutingCall      time.Time `json:"lastOlaAPICall,omitzero"`
	LastETAUpdate        time.Time `json:"lastETAUpdate,omitzero"`
	LastUpdateTimestamp  time.Time `json:"lastUpdateTimestamp,omitzero"`
	ETACalculationMethod string    `json:"etaCalculationMethod,omitempty"`

	AllStudentsNotified bool `json:"allStudentsNotified"`
	NoPendingStudents   bool `json:"noPendingStudents"`
}

// Clone returns a deep copy so stores never hand out shared stop slices.
func (b *BusLocation) Clone() *BusLocation {
	if b == nil {
		return nil
	}
	c := *b
	if b.RemainingStops != nil {
		c.RemainingStops = make([]Stop, len(b.RemainingStops))
		copy(c.RemainingStops, b.RemainingStops)
	}
	return &c
}

// HasActiveTrip reports whether a trip is running with stops left to serve.
func (b *BusLocation) HasActiveTrip() bool {
	return b != nil && b.CurrentTripID != "" && len(b.RemainingStops) > 0
}

// RouteSchedule is an admin-authored route-direction with its time window.
type RouteSchedule struct {
	ID         string     `json:"id"`
	SchoolID   string     `json:"schoolId"`
	BusID      string     `json:"busId"`
	RouteName  string     `json:"routeName"`
	Direction  Direction  `json:"direction"`
	DaysOfWeek WeekdaySet `json:"daysOfWeek"`
	StartTime  string     `json:"startTime"` // HH:MM
	EndTime    string     `json:"endTime"`   // HH:MM, may be earlier than StartTime for overnight windows
	Stops      []Stop     `json:"stops"`     // authored in pickup order
	IsActive   bool       `json:"isActive"`
}

// Rider is a student waiting for a bus.
type Rider struct {
	ID                           string     `json:"id"`
	SchoolID                     string     `json:"schoolId"`
	Name                         string     `json:"name,omitempty"`
	AssignedBusID                string     `json:"assignedBusId"`
	AssignedRouteID              string     `json:"assignedRouteId,omitempty"`
	Stopping                     string     `json:"stopping,omitempty"`
	StopLocation                 *LatLng    `json:"stopLocation,omitempty"`
	NotificationPreferenceByTime *int       `json:"notificationPreferenceByTime,omitempty"`
	Notified                     bool       `json:"notified"`
	CurrentTripID                string     `json:"currentTripId,omitempty"`
	LastNotifiedTripID           string     `json:"lastNotifiedTripId,omitempty"`
	LastNotifiedAt               *time.Time `json:"lastNotifiedAt,omitempty"`
	FCMToken                     string     `json:"fcmToken,omitempty"`
	LanguagePreference           string     `json:"languagePreference,omitempty"`
	NotificationType             string     `json:"notificationType,omitempty"`
}

// AlreadyNotifiedFor reports whether the rider has a recorded delivery for tripID.
func (r Rider) AlreadyNotifiedFor(tripID string) bool {
	return tripID != "" && r.LastNotifiedTripID == tripID && r.LastNotifiedAt != nil
}

// LocationEvent carries the before/after snapshots of one BusLocation write.
type LocationEvent struct {
	SchoolID string       `json:"schoolId"`
	BusID    string       `json:"busId"`
	Before   *BusLocation `json:"before,omitempty"`
	After    *BusLocation `json:"after,omitempty"`
}

type TripEventType string

const (
	EventTripStarted   TripEventType = "trip_started"
	EventTripEnded     TripEventType = "trip_ended"
	EventStopPassed    TripEventType = "stop_passed"
	EventBusInactive   TripEventType = "bus_inactive"
	EventRiderNotified TripEventType = "rider_notified"
)

// TripEvent is published for downstream consumers whenever the state machine moves.
type TripEvent struct {
	ID        string        `json:"id"`
	Type      TripEventType `json:"type"`
	SchoolID  string        `json:"schoolId"`
	BusID     string        `json:"busId"`
	TripID    string        `json:"tripId,omitempty"`
	RouteID   string        `json:"routeId,omitempty"`
	Direction Direction     `json:"direction,omitempty"`
	StopName  string        `json:"stopName,omitempty"`
	RiderID   string        `json:"riderId,omitempty"`
	Count     int           `json:"count,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	At        time.Time     `json:"at"`
}
