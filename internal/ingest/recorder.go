// Package ingest turns raw GPS fixes into bus location writes and fires the
// location-write trigger for each one.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"busmate-tracker/internal/geo"
	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/store"
)

var ErrInvalidPosition = errors.New("invalid position")

var errNotNewer = errors.New("fix not newer than stored position")

// LocationHandler reacts to a committed location write.
type LocationHandler interface {
	HandleLocationWrite(ctx context.Context, ev model.LocationEvent) error
}

type Recorder struct {
	buses   store.BusStore
	handler LocationHandler
	logger  *slog.Logger
	now     func() time.Time
}

func NewRecorder(buses store.BusStore, handler LocationHandler, logger *slog.Logger) *Recorder {
	return &Recorder{
		buses:   buses,
		handler: handler,
		logger:  logging.Component(logger, "ingest"),
		now:     time.Now,
	}
}

// Record stores p as the latest position of the bus, marks the bus as tracked
// and hands the write to the location handler. Fixes that are not newer than
// the stored one are dropped so a frozen feed cannot keep a bus fresh.
func (r *Recorder) Record(ctx context.Context, schoolID, busID string, p model.Position) error {
	if schoolID == "" || busID == "" {
		return fmt.Errorf("record %q/%q: %w", schoolID, busID, ErrInvalidPosition)
	}
	if !geo.ValidCoordinate(model.LatLng{Lat: p.Lat, Lng: p.Lng}) {
		return fmt.Errorf("record %s/%s (%f,%f): %w", schoolID, busID, p.Lat, p.Lng, ErrInvalidPosition)
	}
	now := r.now()
	if p.Timestamp.IsZero() {
		p.Timestamp = now
	}

	before, after, err := r.buses.UpdateBus(ctx, schoolID, busID, func(b *model.BusLocation) error {
		if !b.Position.Timestamp.IsZero() && !p.Timestamp.After(b.Position.Timestamp) {
			return errNotNewer
		}
		b.Position = p
		b.IsActive = true
		b.InactiveReason = ""
		b.LastUpdateTimestamp = now
		return nil
	})
	if errors.Is(err, errNotNewer) {
		logging.LogSkip(r.logger, "bus", busID, "stale_fix", slog.Time("fix", p.Timestamp))
		return nil
	}
	if err != nil {
		return fmt.Errorf("write position %s/%s: %w", schoolID, busID, err)
	}
	if r.handler == nil {
		return nil
	}
	return r.handler.HandleLocationWrite(ctx, model.LocationEvent{
		SchoolID: schoolID,
		BusID:    busID,
		Before:   before,
		After:    after,
	})
}
