// Package callback delivers enforcement events to the coordinating
// master over its internal slave-events endpoint.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/qman-project/qman-slave/internal/logging"
	"github.com/qman-project/qman-slave/internal/metrics"
)

// Event types posted to the master.
const (
	EventQuotaExceeded    = "quota_exceeded"
	EventContainerRemoved = "container_removed"
)

// Event is one entry in a batch.
type Event struct {
	HostUserName string         `json:"host_user_name"`
	EventType    string         `json:"event_type"`
	Detail       map[string]any `json:"detail"`
}

type payload struct {
	HostID string  `json:"host_id"`
	Events []Event `json:"events"`
}

// Notifier posts event batches. An empty URL or secret disables it.
type Notifier struct {
	url    string
	secret string
	hostID string
	client *http.Client
	log    *logging.Logger
}

func New(url, secret, hostID string, log *logging.Logger) *Notifier {
	return &Notifier{
		url:    url,
		secret: secret,
		hostID: hostID,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}
}

// Enabled reports whether a callback target is configured.
func (n *Notifier) Enabled() bool { return n.url != "" && n.secret != "" }

// PostEvents sends one batch. Delivery is best effort; the master
// reconciles from quota reports either way.
func (n *Notifier) PostEvents(ctx context.Context, events []Event) error {
	if !n.Enabled() || len(events) == 0 {
		return nil
	}
	body, err := json.Marshal(payload{HostID: n.hostID, Events: events})
	if err != nil {
		return err
	}
	url := strings.TrimRight(n.url, "/") + "/api/internal/slave-events"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", n.secret)

	resp, err := n.client.Do(req)
	if err != nil {
		metrics.CallbackPosts.WithLabelValues("error").Inc()
		return fmt.Errorf("post slave events: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		metrics.CallbackPosts.WithLabelValues("error").Inc()
		return fmt.Errorf("master callback returned %s", resp.Status)
	}
	metrics.CallbackPosts.WithLabelValues("ok").Inc()
	n.log.Debug("posted events to master", "count", len(events))
	return nil
}
