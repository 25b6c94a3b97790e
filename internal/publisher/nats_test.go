package publisher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"busmate-tracker/internal/model"
)

func TestSubjectToken(t *testing.T) {
	assert.Equal(t, "route_1", subjectToken(" route 1 "))
	assert.Equal(t, "a_b_c", subjectToken("a.b>c"))
	assert.Equal(t, "_", subjectToken(""))
}

func TestEventSubject(t *testing.T) {
	ev := model.TripEvent{SchoolID: "green valley", BusID: "KA.01", Type: model.EventTripStarted}
	assert.Equal(t, "busmate.trips.green_valley.KA_01.trip_started", EventSubject("busmate.trips", ev))
}

func TestDecodePosition(t *testing.T) {
	msg, err := DecodePosition("busmate.gps.s1.b7", []byte(`{"lat":12.9,"lon":77.6,"speedMps":5,"timestamp":"2026-10-19T07:00:00Z"}`))
	require.NoError(t, err)
	assert.Equal(t, "s1", msg.SchoolID)
	assert.Equal(t, "b7", msg.BusID)

	pos := msg.Position("nats")
	assert.Equal(t, 77.6, pos.Lng)
	assert.Equal(t, "nats", pos.Source)
	assert.Equal(t, time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC), pos.Timestamp)

	msg, err = DecodePosition("gps", []byte(`{"schoolId":"s","busId":"b","lat":1,"lon":2}`))
	require.NoError(t, err)
	assert.Equal(t, "b", msg.BusID)

	_, err = DecodePosition("gps", []byte(`{"lat":1}`))
	assert.Error(t, err)
	_, err = DecodePosition("busmate.gps.s.b", []byte(`not json`))
	assert.Error(t, err)
}
