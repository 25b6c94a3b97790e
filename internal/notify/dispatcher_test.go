package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busmate-tracker/internal/config"
	"busmate-tracker/internal/metrics"
	"busmate-tracker/internal/model"
	"busmate-tracker/internal/push"
	"busmate-tracker/internal/store"
)

type fakeSender struct {
	mu   sync.Mutex
	sent []push.Message
	fail map[string]error
}

func (f *fakeSender) Send(_ context.Context, msg push.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[msg.Token]; err != nil {
		return "", err
	}
	f.sent = append(f.sent, msg)
	return "id-" + msg.Token, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func pref(n int) *int { return &n }

var tripStart = time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)

func setup(t *testing.T, sender push.Sender, riders ...model.Rider) (*store.Memory, *Dispatcher) {
	t.Helper()
	mem := store.NewMemory()
	for _, r := range riders {
		mem.PutRider(r)
	}
	mem.PutBus(model.BusLocation{
		SchoolID: "s", BusID: "b", IsActive: true, CurrentTripID: "t1", TripStartedAt: tripStart,
		RemainingStops: []model.Stop{
			{Name: "Gate", Latitude: 12.97, Longitude: 77.59, EstimatedMinutesOfArrival: model.Minutes(15)},
			{Name: "Market", Latitude: 12.98, Longitude: 77.60, EstimatedMinutesOfArrival: model.Minutes(20)},
		},
	})
	d := NewDispatcher(mem, mem, nil, sender, config.DefaultTuning(), metrics.NewCollector(time.Minute), nil)
	d.now = func() time.Time { return tripStart.Add(5 * time.Minute) }
	return mem, d
}

func setETA(t *testing.T, mem *store.Memory, minutes float64) *model.BusLocation {
	t.Helper()
	_, after, err := mem.UpdateBus(context.Background(), "s", "b", func(b *model.BusLocation) error {
		b.RemainingStops[0].EstimatedMinutesOfArrival = model.Minutes(minutes)
		return nil
	})
	require.NoError(t, err)
	return after
}

func TestThresholdCrossingSendsOnce(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	mem, d := setup(t, sender, model.Rider{ID: "r1", SchoolID: "s", AssignedBusID: "b", CurrentTripID: "t1",
		Stopping: "gate", NotificationPreferenceByTime: pref(10), FCMToken: "tok1"})

	for _, eta := range []float64{15, 12, 9, 6} {
		loc := setETA(t, mem, eta)
		_, err := d.ProcessNotifications(ctx, loc)
		require.NoError(t, err)
		if eta > 10 {
			assert.Equal(t, 0, sender.count(), "no push at eta %v", eta)
		}
	}
	assert.Equal(t, 1, sender.count())

	r1, err := mem.GetRider(ctx, "s", "r1")
	require.NoError(t, err)
	assert.True(t, r1.Notified)
	assert.Equal(t, "t1", r1.LastNotifiedTripID)
	require.NotNil(t, r1.LastNotifiedAt)
	assert.Equal(t, "Bus will arrive in approximately 9 minutes.", sender.sent[0].Body)
}

func TestFailedSendIsRetried(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{fail: map[string]error{"tok1": push.ErrUnavailable}}
	mem, d := setup(t, sender, model.Rider{ID: "r1", SchoolID: "s", AssignedBusID: "b", CurrentTripID: "t1",
		Stopping: "Gate", NotificationPreferenceByTime: pref(20), FCMToken: "tok1"})

	loc, _ := mem.GetBus(ctx, "s", "b")
	res, err := d.ProcessNotifications(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.Failed)
	assert.False(t, res.AllNotified)

	r1, _ := mem.GetRider(ctx, "s", "r1")
	assert.False(t, r1.Notified)

	sender.fail = nil
	res, err = d.ProcessNotifications(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.Sent)
	assert.True(t, res.AllNotified)

	r1, _ = mem.GetRider(ctx, "s", "r1")
	assert.True(t, r1.Notified)

	stored, _ := mem.GetBus(ctx, "s", "b")
	assert.True(t, stored.AllStudentsNotified)
}

func TestDoubleSendGuard(t *testing.T) {
	ctx := context.Background()
	at := tripStart
	sender := &fakeSender{}
	// notified=false but a delivery for this trip is already on record.
	mem, d := setup(t, sender, model.Rider{ID: "r1", SchoolID: "s", AssignedBusID: "b", CurrentTripID: "t1",
		Stopping: "Gate", NotificationPreferenceByTime: pref(30), FCMToken: "tok1",
		LastNotifiedTripID: "t1", LastNotifiedAt: &at})

	loc, _ := mem.GetBus(ctx, "s", "b")
	_, err := d.ProcessNotifications(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, 0, sender.count())
}

func TestSkipsRidersWithDataGaps(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	mem, d := setup(t, sender,
		model.Rider{ID: "nostop", SchoolID: "s", AssignedBusID: "b", CurrentTripID: "t1", Stopping: "Elsewhere", NotificationPreferenceByTime: pref(30), FCMToken: "a"},
		model.Rider{ID: "nopref", SchoolID: "s", AssignedBusID: "b", CurrentTripID: "t1", Stopping: "Gate", FCMToken: "b"},
		model.Rider{ID: "notoken", SchoolID: "s", AssignedBusID: "b", CurrentTripID: "t1", Stopping: "Gate", NotificationPreferenceByTime: pref(30)},
		model.Rider{ID: "bycoord", SchoolID: "s", AssignedBusID: "b", CurrentTripID: "t1",
			StopLocation: &model.LatLng{Lat: 12.9801, Lng: 77.6001}, NotificationPreferenceByTime: pref(30), FCMToken: "c"},
	)

	loc, _ := mem.GetBus(ctx, "s", "b")
	res, err := d.ProcessNotifications(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, 4, res.Candidates)
	assert.Equal(t, 3, res.Skipped)
	assert.Equal(t, []string{"bycoord"}, res.Sent)
	require.Equal(t, 1, sender.count())
	assert.Equal(t, "Bus will arrive in approximately 20 minutes.", sender.sent[0].Body)
}

func TestNoPendingAfterGrace(t *testing.T) {
	ctx := context.Background()
	mem, d := setup(t, &fakeSender{})

	d.now = func() time.Time { return tripStart.Add(time.Minute) }
	loc, _ := mem.GetBus(ctx, "s", "b")
	res, err := d.ProcessNotifications(ctx, loc)
	require.NoError(t, err)
	assert.False(t, res.NoPending, "inside grace period")

	d.now = func() time.Time { return tripStart.Add(3 * time.Minute) }
	res, err = d.ProcessNotifications(ctx, loc)
	require.NoError(t, err)
	assert.True(t, res.NoPending)

	stored, _ := mem.GetBus(ctx, "s", "b")
	assert.True(t, stored.NoPendingStudents)

	res, err = d.ProcessNotifications(ctx, stored)
	require.NoError(t, err)
	assert.Zero(t, res.Candidates, "short-circuited")
}

type failingMarks struct {
	*store.Memory
}

func (f failingMarks) BatchUpdateRiders(context.Context, []store.RiderUpdate) error {
	return errors.New("write rejected")
}

func TestUnrecordedDeliveryStaysUnnotified(t *testing.T) {
	ctx := context.Background()
	sender := &fakeSender{}
	mem, _ := setup(t, sender, model.Rider{ID: "r1", SchoolID: "s", AssignedBusID: "b", CurrentTripID: "t1",
		Stopping: "Gate", NotificationPreferenceByTime: pref(20), FCMToken: "tok1"})
	d := NewDispatcher(failingMarks{mem}, mem, nil, sender, config.DefaultTuning(), nil, nil)

	loc, _ := mem.GetBus(ctx, "s", "b")
	res, err := d.ProcessNotifications(ctx, loc)
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, res.Sent)

	r1, _ := mem.GetRider(ctx, "s", "r1")
	assert.False(t, r1.Notified)
}

func TestMatchStop(t *testing.T) {
	stops := []model.Stop{{Name: "Gate", Latitude: 12.97, Longitude: 77.59}, {Name: " Market ", Latitude: 12.98, Longitude: 77.60}}
	assert.Equal(t, 1, MatchStop(model.Rider{Stopping: "MARKET"}, stops, 50))
	assert.Equal(t, 0, MatchStop(model.Rider{StopLocation: &model.LatLng{Lat: 12.9701, Lng: 77.5901}}, stops, 50))
	assert.Equal(t, -1, MatchStop(model.Rider{StopLocation: &model.LatLng{Lat: 12.99, Lng: 77.61}}, stops, 50))
	assert.Equal(t, -1, MatchStop(model.Rider{}, stops, 50))
}

func TestDiagnose(t *testing.T) {
	bus := &model.BusLocation{BusID: "b", IsActive: true, CurrentTripID: "t1",
		RemainingStops: []model.Stop{{Name: "Gate", EstimatedMinutesOfArrival: model.Minutes(4)}}}
	ready := Diagnose(model.Rider{ID: "r", AssignedBusID: "b", CurrentTripID: "t1", Stopping: "Gate",
		NotificationPreferenceByTime: pref(5), FCMToken: "t"}, bus, 50)
	assert.True(t, ready.Ready)
	assert.Equal(t, "Gate", ready.Stop)
	assert.Len(t, ready.Checks, 7)

	stale := Diagnose(model.Rider{ID: "r", CurrentTripID: "t0", Stopping: "Gate", NotificationPreferenceByTime: pref(5)}, bus, 50)
	assert.False(t, stale.Ready)
	failed := map[string]bool{}
	for _, c := range stale.Checks {
		if !c.OK {
			failed[c.Name] = true
		}
	}
	assert.Equal(t, map[string]bool{"trip_match": true, "push_token": true}, failed)

	missing := Diagnose(model.Rider{ID: "r"}, nil, 50)
	assert.False(t, missing.Ready)
}
