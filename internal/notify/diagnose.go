package notify

import (
	"fmt"

	"busmate-tracker/internal/model"
)

type Check struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// Diagnosis explains why a rider would or would not be notified right now.
type Diagnosis struct {
	RiderID string   `json:"riderId"`
	BusID   string   `json:"busId"`
	Checks  []Check  `json:"checks"`
	Stop    string   `json:"stop,omitempty"`
	ETA     *float64 `json:"etaMinutes,omitempty"`
	Ready   bool     `json:"ready"`
}

// Diagnose runs the dispatcher's eligibility rules against a rider and the
// bus document without sending anything. bus may be nil.
func Diagnose(r model.Rider, bus *model.BusLocation, matchRadius float64) Diagnosis {
	d := Diagnosis{RiderID: r.ID, BusID: r.AssignedBusID}
	add := func(name string, ok bool, detail string) {
		d.Checks = append(d.Checks, Check{Name: name, OK: ok, Detail: detail})
	}

	add("not_yet_notified", !r.Notified, fmt.Sprintf("notified=%t", r.Notified))
	if bus == nil {
		add("bus_active", false, "no location document for bus")
		return d
	}
	add("bus_active", bus.IsActive, bus.InactiveReason)
	add("trip_match", bus.CurrentTripID != "" && r.CurrentTripID == bus.CurrentTripID,
		fmt.Sprintf("rider=%q bus=%q", r.CurrentTripID, bus.CurrentTripID))
	add("push_token", r.FCMToken != "", "")
	add("has_stops", len(bus.RemainingStops) > 0, fmt.Sprintf("%d remaining", len(bus.RemainingStops)))

	idx := MatchStop(r, bus.RemainingStops, matchRadius)
	if idx < 0 {
		add("stop_resolvable", false, fmt.Sprintf("stopping=%q", r.Stopping))
	} else {
		d.Stop = bus.RemainingStops[idx].Name
		d.ETA = bus.RemainingStops[idx].EstimatedMinutesOfArrival
		add("stop_resolvable", true, d.Stop)
	}

	within := false
	detail := "no threshold"
	if r.NotificationPreferenceByTime != nil {
		detail = "no eta"
		if d.ETA != nil {
			within = *d.ETA <= float64(*r.NotificationPreferenceByTime)
			detail = fmt.Sprintf("eta=%.0f threshold=%d", *d.ETA, *r.NotificationPreferenceByTime)
		}
	}
	add("within_threshold", within, detail)

	d.Ready = true
	for _, c := range d.Checks {
		d.Ready = d.Ready && c.OK
	}
	return d
}
