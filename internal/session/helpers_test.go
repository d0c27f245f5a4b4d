package session

import (
	"context"
	"math"
	"time"

	"geoattend/internal/geo"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

// testLocation is the campus default used throughout the scenarios.
var testLocation = Location{Latitude: 18.4574, Longitude: 73.8506, RadiusMeters: 50}

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

// northOf returns a position meters due north of loc.
func northOf(loc Location, meters, accuracy float64) geo.Position {
	dLat := meters / geo.EarthRadiusMeters * 180 / math.Pi
	return geo.Position{
		Point:          geo.Point{Latitude: loc.Latitude + dLat, Longitude: loc.Longitude},
		AccuracyMeters: accuracy,
	}
}

func seedSession(store Store, code string, created time.Time, ttl time.Duration) *Session {
	s := &Session{
		ID:        "sess-" + code,
		Code:      code,
		Location:  testLocation,
		CreatedBy: "sup-1",
		Status:    StatusActive,
		StartTime: created,
		ExpiresAt: created.Add(ttl),
		Attendees: []Attendee{},
		CreatedAt: created,
	}
	if err := store.Create(context.Background(), s); err != nil {
		panic(err)
	}
	return s
}

func alice() Identity {
	return Identity{UserID: "u-alice", Name: "Alice", Email: "alice@example.edu", StudentID: "S100"}
}
