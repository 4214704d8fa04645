// Package notifier delivers user notifications and operational alerts through
// an external delivery service. Everything here is best-effort from the
// caller's point of view; attendance state never depends on a send.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// Client posts messages to the delivery service. With Skip set it logs
// instead, which is what dev and test environments run with.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool

	log *logrus.Entry
}

// New creates a notifier client.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP:    &http.Client{Timeout: 10 * time.Second},
		log:     logrus.WithField("component", "notifier"),
	}
}

// Send delivers a message to one user.
func (c *Client) Send(ctx context.Context, identityID, message string) error {
	if c.Skip {
		c.log.WithFields(logrus.Fields{"identity_id": identityID, "message": message}).Info("notification (skip mode)")
		return nil
	}
	return c.post(ctx, "/notify", map[string]string{
		"user_id": identityID,
		"message": message,
	})
}

// Alert escalates an operational failure to the admin channel.
func (c *Client) Alert(ctx context.Context, subject, message string) error {
	if c.Skip {
		c.log.WithFields(logrus.Fields{"subject": subject, "message": message}).Error("operational alert (skip mode)")
		return nil
	}
	return c.post(ctx, "/alert", map[string]string{
		"subject": subject,
		"message": message,
	})
}

func (c *Client) post(ctx context.Context, path string, payload map[string]string) error {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("notification service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("notification service error %s: %s", resp.Status, string(bodyBytes))
	}
	return nil
}
