package geo

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geoattend/internal/apperr"
)

var campus = Point{Latitude: 18.4574, Longitude: 73.8506}

// north returns a point exactly meters north of p along its meridian.
func north(p Point, meters float64) Point {
	return Point{Latitude: p.Latitude + meters/(EarthRadiusMeters*math.Pi/180), Longitude: p.Longitude}
}

func TestDistanceSymmetricAndZero(t *testing.T) {
	other := Point{Latitude: 18.5204, Longitude: 73.8567}
	assert.Equal(t, 0.0, Distance(campus, campus))
	assert.InDelta(t, Distance(campus, other), Distance(other, campus), 1e-9)
}

func TestDistanceOneThousandthDegree(t *testing.T) {
	b := Point{Latitude: campus.Latitude + 0.001, Longitude: campus.Longitude}
	assert.InEpsilon(t, 111.0, Distance(campus, b), 0.01)
}

func TestDistanceReferencePairs(t *testing.T) {
	// Paris to London, ~343.5 km.
	paris := Point{Latitude: 48.8566, Longitude: 2.3522}
	london := Point{Latitude: 51.5074, Longitude: -0.1278}
	assert.InEpsilon(t, 343_500.0, Distance(paris, london), 0.005)

	// Quarter meridian.
	assert.InEpsilon(t, EarthRadiusMeters*math.Pi/2, Distance(Point{}, Point{Latitude: 90}), 1e-9)
}

func TestDistanceNaNPropagates(t *testing.T) {
	assert.True(t, math.IsNaN(Distance(Point{Latitude: math.NaN()}, campus)))
}

func TestDistanceBetweenUnknown(t *testing.T) {
	d, known := DistanceBetween(nil, &campus)
	assert.False(t, known)
	assert.Equal(t, 0.0, d)

	other := north(campus, 30)
	d, known = DistanceBetween(&campus, &other)
	assert.True(t, known)
	assert.InDelta(t, 30, d, 0.01)
}

func TestAdmissionMatrix(t *testing.T) {
	fence := Fence{Center: campus, RadiusMeters: 50}
	cases := []struct {
		name     string
		meters   float64
		accuracy float64
		within   bool
		level    AccuracyLevel
		outcome  Outcome
	}{
		{"inside high accuracy", 49, 10, true, AccuracyHigh, Proceed},
		{"inside low accuracy", 49, 80, true, AccuracyLow, ProceedLowAccuracy},
		{"outside high accuracy", 51, 10, false, AccuracyHigh, HardBlock},
		{"outside low accuracy", 51, 80, false, AccuracyLow, SoftBlock},
		{"accuracy boundary counts as high", 49.9, 50, true, AccuracyHigh, Proceed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := Admit(Position{Point: north(campus, tc.meters), AccuracyMeters: tc.accuracy}, fence)
			assert.Equal(t, tc.within, a.WithinRange)
			assert.Equal(t, tc.level, a.AccuracyLevel)
			assert.Equal(t, tc.outcome, a.Outcome())
			assert.InDelta(t, tc.meters, a.Distance, 0.01)
		})
	}
}

func TestBlockMessagesDiffer(t *testing.T) {
	fence := Fence{Center: campus, RadiusMeters: 50}
	hard := Admit(Position{Point: north(campus, 51), AccuracyMeters: 10}, fence)
	soft := Admit(Position{Point: north(campus, 51), AccuracyMeters: 80}, fence)
	assert.NotEqual(t, hard.Message(), soft.Message())
	assert.Contains(t, soft.Message(), "accuracy is low")
}

func TestAdmitNaNNeverInside(t *testing.T) {
	a := Admit(Position{Point: Point{Latitude: math.NaN(), Longitude: 1}}, Fence{Center: campus, RadiusMeters: 1e9})
	assert.False(t, a.WithinRange)
}

func TestCheckerCustomAccuracyLimit(t *testing.T) {
	c := Checker{HighAccuracyMeters: 20}
	a := c.Admit(Position{Point: campus, AccuracyMeters: 30}, Fence{Center: campus, RadiusMeters: 50})
	assert.Equal(t, AccuracyLow, a.AccuracyLevel)
}

func TestAcquire(t *testing.T) {
	ctx := context.Background()

	pos, err := Acquire(ctx, Static(Position{Point: campus, AccuracyMeters: 5}), time.Second)
	require.NoError(t, err)
	assert.Equal(t, campus, pos.Point)

	_, err = Acquire(ctx, Static(Position{Point: Point{Latitude: 120}}), time.Second)
	assert.True(t, apperr.Is(err, apperr.LocationUnavailable))

	_, err = Acquire(ctx, SourceFunc(func(context.Context) (Position, error) {
		return Position{}, ErrPermissionDenied
	}), time.Second)
	assert.True(t, apperr.Is(err, apperr.LocationUnavailable))
	assert.True(t, errors.Is(err, ErrPermissionDenied))

	slow := SourceFunc(func(ctx context.Context) (Position, error) {
		<-ctx.Done()
		return Position{}, ctx.Err()
	})
	start := time.Now()
	_, err = Acquire(ctx, slow, 20*time.Millisecond)
	assert.True(t, apperr.Is(err, apperr.LocationUnavailable))
	assert.Less(t, time.Since(start), time.Second)
}
