// Package notify decides which riders should hear that their bus is close and
// sends them one push per trip.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"busmate-tracker/internal/config"
	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/metrics"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/push"
	"busmate-tracker/internal/schedule"
	"busmate-tracker/internal/store"
)

// Skip reasons recorded in logs and the rider_skips metric.
const (
	SkipNoStop      = "no_stop"
	SkipNoThreshold = "no_threshold"
	SkipNoToken     = "no_token"
	SkipNoETA       = "no_eta"
)

type Dispatcher struct {
	riders   store.RiderStore
	buses    store.BusStore
	resolver *schedule.Resolver
	sender   push.Sender
	tuning   config.Tuning
	metrics  *metrics.Collector
	logger   *slog.Logger
	now      func() time.Time
}

func NewDispatcher(riders store.RiderStore, buses store.BusStore, resolver *schedule.Resolver, sender push.Sender, tuning config.Tuning, m *metrics.Collector, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		riders:   riders,
		buses:    buses,
		resolver: resolver,
		sender:   sender,
		tuning:   tuning,
		metrics:  m,
		logger:   logging.Component(logger, "notify"),
		now:      time.Now,
	}
}

// SetClock replaces the wall clock used for the grace period and delivery times.
func (d *Dispatcher) SetClock(now func() time.Time) { d.now = now }

// Result summarises one dispatcher pass.
type Result struct {
	Candidates int
	Sent       []string
	Failed     []string
	Deferred   int
	Skipped    int
	// NoPending and AllNotified report short-circuit flags set by this pass.
	NoPending   bool
	AllNotified bool
}

type queued struct {
	rider   model.Rider
	minutes float64
}

// ProcessNotifications evaluates every unnotified rider of the bus's current
// trip and pushes to those whose stop ETA is within their threshold. Only
// confirmed deliveries are recorded; failed sends are retried next pass.
func (d *Dispatcher) ProcessNotifications(ctx context.Context, loc *model.BusLocation) (Result, error) {
	var res Result
	if !loc.HasActiveTrip() || loc.AllStudentsNotified || loc.NoPendingStudents {
		return res, nil
	}

	q := store.RiderQuery{SchoolID: loc.SchoolID, BusID: loc.BusID, TripID: loc.CurrentTripID, OnlyUnnotified: true}
	if scoped, err := d.multiRoute(ctx, loc); err != nil {
		return res, err
	} else if scoped {
		q.RouteID = loc.ActiveRouteID
	}
	candidates, err := d.riders.QueryRiders(ctx, q)
	if err != nil {
		return res, fmt.Errorf("query candidates: %w", err)
	}
	res.Candidates = len(candidates)
	now := d.now()

	if len(candidates) == 0 {
		if !loc.TripStartedAt.IsZero() && now.Sub(loc.TripStartedAt) > d.tuning.NoPendingGrace {
			if err := d.setFlag(ctx, loc, func(b *model.BusLocation) { b.NoPendingStudents = true }); err != nil {
				return res, err
			}
			res.NoPending = true
		}
		return res, nil
	}

	var queue []queued
	for _, r := range candidates {
		if r.AlreadyNotifiedFor(loc.CurrentTripID) {
			continue
		}
		idx := MatchStop(r, loc.RemainingStops, d.tuning.StopMatchRadiusMeters)
		switch {
		case idx < 0:
			d.skip(r, SkipNoStop)
			res.Skipped++
			continue
		case r.NotificationPreferenceByTime == nil:
			d.skip(r, SkipNoThreshold)
			res.Skipped++
			continue
		case r.FCMToken == "":
			d.skip(r, SkipNoToken)
			res.Skipped++
			continue
		}
		eta := loc.RemainingStops[idx].EstimatedMinutesOfArrival
		if eta == nil {
			d.skip(r, SkipNoETA)
			res.Deferred++
			continue
		}
		if *eta <= float64(*r.NotificationPreferenceByTime) {
			queue = append(queue, queued{rider: r, minutes: *eta})
		} else {
			res.Deferred++
		}
	}

	delivered := d.send(ctx, queue)
	var marks []store.RiderUpdate
	for i, q := range queue {
		if delivered[i] {
			res.Sent = append(res.Sent, q.rider.ID)
			marks = append(marks, store.RiderUpdate{
				SchoolID: loc.SchoolID, RiderID: q.rider.ID, Op: store.OpMarkNotified, TripID: loc.CurrentTripID, At: now,
			})
		} else {
			res.Failed = append(res.Failed, q.rider.ID)
		}
	}
	for chunk := range slices.Chunk(marks, d.batchLimit()) {
		if err := d.riders.BatchUpdateRiders(ctx, chunk); err != nil {
			// Delivered but unrecorded riders stay unnotified and may get a duplicate.
			logging.LogError(d.logger, "record notified riders", err,
				slog.String("bus", loc.BusID), slog.Int("size", len(chunk)))
		}
	}
	if d.metrics != nil {
		d.metrics.NotificationsSent.Add(float64(len(res.Sent)))
		d.metrics.NotificationsFailed.Add(float64(len(res.Failed)))
	}

	if res.Deferred == 0 && len(res.Failed) == 0 {
		if err := d.setFlag(ctx, loc, func(b *model.BusLocation) { b.AllStudentsNotified = true }); err != nil {
			return res, err
		}
		res.AllNotified = true
	}

	if len(queue) > 0 {
		logging.LogOperation(d.logger, "notifications_dispatched",
			slog.String("bus", loc.BusID),
			slog.String("trip", loc.CurrentTripID),
			slog.Int("sent", len(res.Sent)),
			slog.Int("failed", len(res.Failed)))
	}
	return res, nil
}

func (d *Dispatcher) send(ctx context.Context, queue []queued) []bool {
	delivered := make([]bool, len(queue))
	if len(queue) == 0 {
		return delivered
	}
	workers := d.tuning.PushWorkers
	if workers <= 0 {
		workers = 1
	}
	var g errgroup.Group
	g.SetLimit(workers)
	for i, q := range queue {
		g.Go(func() error {
			id, err := d.sender.Send(ctx, push.ArrivalMessage(q.rider, q.minutes))
			if err != nil {
				logging.LogError(d.logger, "push send failed", err,
					slog.String("rider", q.rider.ID))
				return nil
			}
			delivered[i] = true
			d.logger.Debug("push delivered",
				slog.String("rider", q.rider.ID),
				slog.String("message_id", id),
				slog.Float64("eta_minutes", q.minutes))
			return nil
		})
	}
	_ = g.Wait()
	return delivered
}

func (d *Dispatcher) multiRoute(ctx context.Context, loc *model.BusLocation) (bool, error) {
	if d.resolver == nil || loc.ActiveRouteID == "" {
		return false, nil
	}
	list, err := d.resolver.Schedules(ctx, loc.SchoolID, loc.BusID)
	if err != nil {
		return false, err
	}
	return len(list) > 1, nil
}

func (d *Dispatcher) setFlag(ctx context.Context, loc *model.BusLocation, set func(*model.BusLocation)) error {
	tripID := loc.CurrentTripID
	_, _, err := d.buses.UpdateBus(ctx, loc.SchoolID, loc.BusID, func(b *model.BusLocation) error {
		if b.CurrentTripID == tripID {
			set(b)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write notification flags: %w", err)
	}
	return nil
}

func (d *Dispatcher) skip(r model.Rider, reason string) {
	logging.LogSkip(d.logger, "rider", r.ID, reason)
	if d.metrics != nil {
		d.metrics.RiderSkips.WithLabelValues(reason).Inc()
	}
}

func (d *Dispatcher) batchLimit() int {
	if d.tuning.RiderBatchLimit <= 0 || d.tuning.RiderBatchLimit > store.MaxBatchOps {
		return store.MaxBatchOps
	}
	return d.tuning.RiderBatchLimit
}
