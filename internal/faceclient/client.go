package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNoFace is returned when the service finds no face in one of the images.
var ErrNoFace = errors.New("no face detected in image")

// Image is either a fetchable URL or raw bytes. Data wins when both are set.
type Image struct {
	URL  string
	Data []byte
}

// Empty reports whether the image carries nothing to compare.
func (i Image) Empty() bool { return i.URL == "" && len(i.Data) == 0 }

// CompareResult contains face comparison results. Similarity is normalized to [0,1].
type CompareResult struct {
	Similarity    float64 `json:"similarity"`
	Match         bool    `json:"match"`
	Threshold     float64 `json:"threshold"`
	FacesDetected int     `json:"faces_detected"`
}

// Client calls the face recognition microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
	// SkipSimilarity is what Compare reports in Skip mode.
	SkipSimilarity float64
}

// New creates a client with configurable timeout.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL:        baseURL,
		Skip:           skip,
		SkipSimilarity: 0.95,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // Face processing can take time
		},
	}
}

// Compare scores candidate against reference.
func (c *Client) Compare(ctx context.Context, reference, candidate Image) (*CompareResult, error) {
	if reference.Empty() || candidate.Empty() {
		return nil, fmt.Errorf("both images are required")
	}
	if c.Skip {
		return &CompareResult{Similarity: c.SkipSimilarity, Match: true, FacesDetected: 1}, nil
	}

	payload := map[string]string{}
	addImage(payload, "1", reference)
	addImage(payload, "2", candidate)

	var out CompareResult
	if err := c.post(ctx, "/compare", payload, &out); err != nil {
		return nil, err
	}
	if out.FacesDetected == 0 && out.Similarity == 0 && !out.Match {
		return nil, ErrNoFace
	}
	return &out, nil
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}

	return nil
}

func addImage(payload map[string]string, n string, img Image) {
	if len(img.Data) > 0 {
		payload["image_b64_"+n] = base64.StdEncoding.EncodeToString(img.Data)
		return
	}
	payload["image_url_"+n] = img.URL
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
