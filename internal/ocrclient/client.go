// Package ocrclient calls the document-extraction microservice that reads
// identity fields off a student ID card image. The extraction heuristics live
// on the remote side; this client only carries the outcome.
package ocrclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Extraction contains the structured fields read off an ID card.
type Extraction struct {
	MatricNumber string  `json:"matric_number"`
	Name         string  `json:"name"`
	Programme    string  `json:"programme"`
	Level        string  `json:"level"`
	Confidence   float64 `json:"confidence"`
}

// Client calls the extraction service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits every call with canned data for
// environments without the service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // OCR can take a while on large images
		},
	}
}

// Extract reads identity fields from the image at imageRef.
func (c *Client) Extract(ctx context.Context, imageRef string) (*Extraction, error) {
	if c.Skip {
		return &Extraction{
			MatricNumber: "MOCK/0001",
			Name:         "Mock Student",
			Programme:    "Computer Science",
			Level:        "300L",
			Confidence:   0.95,
		}, nil
	}
	if imageRef == "" {
		return nil, fmt.Errorf("image ref required")
	}

	body, _ := json.Marshal(map[string]string{"image_url": imageRef})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extraction service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("extraction service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out Extraction
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &out, nil
}

// Health checks if the extraction service is available.
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
		return fmt.Errorf("extraction service unavailable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("extraction service unhealthy: %s", resp.Status)
	}
	return nil
}
