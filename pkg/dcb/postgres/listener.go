package postgres

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sliceworkz/eventstore-sub000/pkg/dcb"
)

// appendPayload is the JSON body of the event_appended channel, produced by
// the insert trigger.
type appendPayload struct {
	StreamContext string `json:"streamContext"`
	StreamPurpose string `json:"streamPurpose"`
	EventPosition int64  `json:"eventPosition"`
	EventID       string `json:"eventId"`
	EventType     string `json:"eventType"`
}

// bookmarkPayload is the JSON body of the bookmark_placed channel.
type bookmarkPayload struct {
	Reader        string `json:"reader"`
	EventPosition int64  `json:"eventPosition"`
	EventID       string `json:"eventId"`
}

// listen holds a dedicated connection on LISTEN and fans incoming
// notifications out to subscribed listeners. Connection loss triggers an
// exponential-backoff reconnect; notifications raised while disconnected are
// lost, which eventually-consistent consumers absorb by reading from their
// own cursors.
func (s *Store) listen(ctx context.Context) {
	defer close(s.listenDone)

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 0 // retry until stopped
	policy.MaxInterval = 30 * time.Second

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		attempt++
		err := s.listenOnce(ctx)
		if ctx.Err() != nil {
			return
		}
		wait := policy.NextBackOff()
		s.log.WithField("attempt", attempt).WithError(err).
			Warn("notification listener disconnected, reconnecting")
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) listenOnce(ctx context.Context) error {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	for _, channel := range []string{s.channel("event_appended"), s.channel("bookmark_placed")} {
		if _, err := conn.Exec(ctx, "LISTEN "+pgIdentifier(channel)); err != nil {
			return err
		}
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		s.dispatchNotification(notification.Channel, notification.Payload)
	}
}

func (s *Store) dispatchNotification(channel, payload string) {
	s.mu.Lock()
	listeners := s.listeners
	s.mu.Unlock()
	if len(listeners) == 0 {
		return
	}

	switch channel {
	case s.channel("event_appended"):
		var body appendPayload
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			s.log.WithError(err).Warn("malformed append notification payload")
			return
		}
		// The channel payload carries no transaction id; the reference
		// degrades to position-only ordering, which coalescing tolerates.
		n := dcb.AppendNotification{
			Stream:  dcb.NewStreamID(body.StreamContext, body.StreamPurpose),
			LastRef: dcb.NewEventReference(body.EventID, body.EventPosition, uint64(body.EventPosition)),
		}
		for _, entry := range listeners {
			entry.listener.Appended(n)
		}
	case s.channel("bookmark_placed"):
		var body bookmarkPayload
		if err := json.Unmarshal([]byte(payload), &body); err != nil {
			s.log.WithError(err).Warn("malformed bookmark notification payload")
			return
		}
		n := dcb.BookmarkNotification{
			Reader: body.Reader,
			Ref:    dcb.NewEventReference(body.EventID, body.EventPosition, uint64(body.EventPosition)),
		}
		for _, entry := range listeners {
			entry.listener.BookmarkPlaced(n)
		}
	}
}

// pgIdentifier quotes an identifier for direct interpolation. Prefixes are
// already validated against [A-Za-z0-9_]+_, this guards the channel names.
func pgIdentifier(name string) string {
	return `"` + name + `"`
}
