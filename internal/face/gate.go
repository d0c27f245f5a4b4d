package face

import (
	"context"
	"errors"
	"fmt"
	"time"

	"geoattend/internal/apperr"
	"geoattend/internal/faceclient"
	"geoattend/internal/metrics"
)

// DefaultThreshold is the minimum normalized similarity accepted as the same person.
const DefaultThreshold = 0.90

// Comparer is the external face comparison capability.
type Comparer interface {
	Compare(ctx context.Context, reference, candidate faceclient.Image) (*faceclient.CompareResult, error)
}

// Result is a completed comparison.
type Result struct {
	Matched    bool    `json:"matched"`
	Similarity float64 `json:"similarity"`
	Threshold  float64 `json:"threshold"`
}

// Gate decides whether a live capture matches the stored reference. The threshold is
// applied here, not by the service.
type Gate struct {
	client    Comparer
	threshold float64
}

// NewGate builds a gate; a threshold outside (0,1] falls back to DefaultThreshold.
func NewGate(client Comparer, threshold float64) *Gate {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Gate{client: client, threshold: threshold}
}

// Threshold returns the similarity cutoff.
func (g *Gate) Threshold() float64 { return g.threshold }

// Match compares candidate against the reference image stored at referenceURL.
func (g *Gate) Match(ctx context.Context, referenceURL string, candidate faceclient.Image) (Result, error) {
	if referenceURL == "" {
		return Result{}, apperr.New(apperr.NoReferenceImage, "no reference photo on file, upload one before verifying")
	}
	if candidate.Empty() {
		return Result{}, apperr.New(apperr.InvalidArgument, "a live photo is required")
	}

	start := time.Now()
	res, err := g.client.Compare(ctx, faceclient.Image{URL: referenceURL}, candidate)
	switch {
	case errors.Is(err, faceclient.ErrNoFace):
		metrics.ObserveFace("no_face", time.Since(start))
		return Result{Threshold: g.threshold}, apperr.Wrap(apperr.FaceMismatch, "no face found in the photo, please retake it", err)
	case err != nil:
		metrics.ObserveFace("error", time.Since(start))
		return Result{}, apperr.Wrap(apperr.FaceServiceUnavailable, "face verification is unavailable, please try again", err)
	}

	out := Result{Similarity: res.Similarity, Threshold: g.threshold, Matched: res.Similarity >= g.threshold}
	if !out.Matched {
		metrics.ObserveFace("mismatch", time.Since(start))
		return out, apperr.New(apperr.FaceMismatch,
			fmt.Sprintf("face does not match the reference photo (%.0f%% similar, %.0f%% required)", out.Similarity*100, g.threshold*100))
	}
	metrics.ObserveFace("match", time.Since(start))
	return out, nil
}
