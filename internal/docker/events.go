package docker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/api/types/filters"
)

// Default ceilings for one event collection pass.
const (
	DefaultEventMaxWall   = 90 * time.Second
	DefaultEventMaxEvents = 500
)

// CollectEventsSince drains container, image, and volume events from
// since up to now. The collection is bounded three ways: the daemon
// closes the stream at the upper time bound, maxWall caps wall-clock
// time, and maxEvents caps the batch size. Hitting a ceiling is a
// normal return, not an error.
func (c *Client) CollectEventsSince(ctx context.Context, since time.Time, maxWall time.Duration, maxEvents int) ([]Event, error) {
	if maxWall <= 0 {
		maxWall = DefaultEventMaxWall
	}
	if maxEvents <= 0 {
		maxEvents = DefaultEventMaxEvents
	}
	ctx, cancel := context.WithTimeout(ctx, maxWall)
	defer cancel()

	args := filters.NewArgs(
		filters.Arg("type", "container"),
		filters.Arg("type", "image"),
		filters.Arg("type", "volume"),
	)
	msgCh, errCh := c.api.Events(ctx, types.EventsOptions{
		Since:   strconv.FormatInt(since.Unix(), 10),
		Until:   strconv.FormatInt(time.Now().Unix(), 10),
		Filters: args,
	})

	var out []Event
	for {
		select {
		case <-ctx.Done():
			return out, nil
		case err := <-errCh:
			// End-of-stream can race ahead of queued messages.
			for more := len(out) < maxEvents; more; {
				select {
				case msg, ok := <-msgCh:
					if ok {
						out = append(out, convertEvent(msg))
						more = len(out) < maxEvents
					} else {
						more = false
					}
				default:
					more = false
				}
			}
			if err == nil || errors.Is(err, io.EOF) || errors.Is(err, context.DeadlineExceeded) {
				return out, nil
			}
			return out, fmt.Errorf("%w: event stream: %v", ErrUnavailable, err)
		case msg, ok := <-msgCh:
			if !ok {
				return out, nil
			}
			out = append(out, convertEvent(msg))
			if len(out) >= maxEvents {
				return out, nil
			}
		}
	}
}

func convertEvent(msg events.Message) Event {
	return Event{
		Type:       string(msg.Type),
		Action:     string(msg.Action),
		ActorID:    msg.Actor.ID,
		Attributes: msg.Actor.Attributes,
		TimeNano:   msg.TimeNano,
	}
}
