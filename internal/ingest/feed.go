package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	gtfs "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"google.golang.org/protobuf/proto"

	"busmate-tracker/internal/logging"
	"busmate-tracker/internal/model"
)

// SourceGTFSRT tags positions that arrived through the VehiclePositions feed.
const SourceGTFSRT = "gtfs_rt"

// PositionRecorder is the part of Recorder the feed poller needs.
type PositionRecorder interface {
	Record(ctx context.Context, schoolID, busID string, p model.Position) error
}

// VehicleFix is one vehicle position taken from a feed.
type VehicleFix struct {
	BusID    string
	Position model.Position
}

// FeedPoller polls a GTFS-RT VehiclePositions feed and records every vehicle
// as a bus of one school.
type FeedPoller struct {
	url      string
	schoolID string
	interval time.Duration
	recorder PositionRecorder
	client   *http.Client
	logger   *slog.Logger
}

func NewFeedPoller(url, schoolID string, interval time.Duration, recorder PositionRecorder, logger *slog.Logger) *FeedPoller {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &FeedPoller{
		url:      url,
		schoolID: schoolID,
		interval: interval,
		recorder: recorder,
		client:   &http.Client{Timeout: 15 * time.Second},
		logger:   logging.Component(logger, "gtfsrt"),
	}
}

// Start polls immediately and then every interval. Blocks until ctx is cancelled.
func (f *FeedPoller) Start(ctx context.Context) {
	f.pollOnce(ctx)

	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			f.pollOnce(ctx)
		case <-ctx.Done():
			f.logger.Info("vehicle positions poller stopped")
			return
		}
	}
}

func (f *FeedPoller) pollOnce(ctx context.Context) {
	n, err := f.Poll(ctx)
	if err != nil {
		f.logger.Warn("vehicle positions poll failed", slog.String("error", err.Error()))
		return
	}
	f.logger.Debug("vehicle positions recorded", slog.Int("count", n))
}

// Poll fetches the feed once and records every usable vehicle. It returns the
// number of fixes recorded.
func (f *FeedPoller) Poll(ctx context.Context) (int, error) {
	feed, err := f.fetch(ctx)
	if err != nil {
		return 0, err
	}
	recorded := 0
	for _, fix := range VehiclePositions(feed) {
		if err := f.recorder.Record(ctx, f.schoolID, fix.BusID, fix.Position); err != nil {
			if errors.Is(err, context.Canceled) {
				return recorded, err
			}
			logging.LogError(f.logger, "record vehicle position", err, slog.String("bus", fix.BusID))
			continue
		}
		recorded++
	}
	return recorded, nil
}

func (f *FeedPoller) fetch(ctx context.Context) (*gtfs.FeedMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("create feed request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch feed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("feed returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read feed body: %w", err)
	}
	feed := &gtfs.FeedMessage{}
	if err := proto.Unmarshal(body, feed); err != nil {
		return nil, fmt.Errorf("parse feed protobuf: %w", err)
	}
	return feed, nil
}

// VehiclePositions extracts one fix per vehicle entity. The bus is identified
// by the vehicle descriptor id, then its label, then the entity id. Entities
// without a position are skipped; a missing timestamp falls back to the header's.
func VehiclePositions(feed *gtfs.FeedMessage) []VehicleFix {
	headerTS := feed.GetHeader().GetTimestamp()
	var out []VehicleFix
	for _, entity := range feed.GetEntity() {
		v := entity.GetVehicle()
		if v == nil || v.GetPosition() == nil || entity.GetIsDeleted() {
			continue
		}
		busID := v.GetVehicle().GetId()
		if busID == "" {
			busID = v.GetVehicle().GetLabel()
		}
		if busID == "" {
			busID = entity.GetId()
		}
		if busID == "" {
			continue
		}

		ts := v.GetTimestamp()
		if ts == 0 {
			ts = headerTS
		}
		pos := model.Position{
			Lat:      float64(v.GetPosition().GetLatitude()),
			Lng:      float64(v.GetPosition().GetLongitude()),
			SpeedMps: float64(v.GetPosition().GetSpeed()),
			Source:   SourceGTFSRT,
		}
		if ts > 0 {
			pos.Timestamp = time.Unix(int64(ts), 0).UTC()
		}
		out = append(out, VehicleFix{BusID: busID, Position: pos})
	}
	return out
}
