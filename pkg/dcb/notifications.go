package dcb

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// AppendHandler is an eventually-consistent append listener. It receives the
// last reference of a committed batch on a stream its scope can read, and
// returns the reference up to which it actually processed the log. The
// fabric keeps that as the listener's high-water mark and skips queued
// notifications it already covers. Errors are logged and swallowed.
type AppendHandler func(n AppendNotification) (EventReference, error)

// BookmarkHandler is an eventually-consistent bookmark listener, fired once
// per bookmark put, coalesced per reader. Errors are logged and swallowed.
type BookmarkHandler func(n BookmarkNotification) error

// FabricConfig contains configuration for the notification fabric.
type FabricConfig struct {
	QueueSize int // Buffered notification queue size between storage and dispatcher
	Logger    logrus.FieldLogger
}

// NotificationFabric fans storage notifications out to eventually-consistent
// listeners. One single-threaded dispatcher per fabric preserves per-stream
// ordering: a later reference is never delivered before an earlier one on
// the same stream. Redundant notifications within one queue window coalesce
// to the last per stream and per reader. Delivery is best-effort; when the
// queue overruns, older notifications are dropped and readers catch up from
// their own cursors.
type NotificationFabric struct {
	log         logrus.FieldLogger
	queue       chan fabricNotice
	stop        chan struct{}
	done        chan struct{}
	unsubscribe func()

	mu           sync.Mutex
	closed       bool
	appendSubs   []*appendSubscription
	bookmarkSubs []*bookmarkSubscription
}

type fabricNotice struct {
	append   *AppendNotification
	bookmark *BookmarkNotification
}

type appendSubscription struct {
	scope StreamID
	fn    AppendHandler

	highWater    EventReference
	hasHighWater bool
}

type bookmarkSubscription struct {
	reader string // empty means every reader
	fn     BookmarkHandler
}

// NewNotificationFabric creates a fabric subscribed to the given storage and
// starts its dispatcher.
func NewNotificationFabric(storage Storage, config FabricConfig) *NotificationFabric {
	if config.QueueSize <= 0 {
		config.QueueSize = 256
	}
	if config.Logger == nil {
		config.Logger = logrus.StandardLogger()
	}
	f := &NotificationFabric{
		log:   config.Logger,
		queue: make(chan fabricNotice, config.QueueSize),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	f.unsubscribe = storage.Subscribe(fabricStorageListener{fabric: f})
	go f.dispatch()
	return f
}

// fabricStorageListener adapts the fabric to the storage listener port.
type fabricStorageListener struct {
	fabric *NotificationFabric
}

func (l fabricStorageListener) Appended(n AppendNotification) {
	l.fabric.enqueue(fabricNotice{append: &n})
}

func (l fabricStorageListener) BookmarkPlaced(n BookmarkNotification) {
	l.fabric.enqueue(fabricNotice{bookmark: &n})
}

func (f *NotificationFabric) enqueue(n fabricNotice) {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return
	}
	select {
	case f.queue <- n:
	default:
		select {
		case <-f.queue:
		default:
		}
		select {
		case f.queue <- n:
		default:
		}
		f.log.WithField("queue_size", cap(f.queue)).Warn("notification queue full, dropping oldest notification")
	}
}

// SubscribeAppends registers an eventually-consistent append listener for
// every stream the scope can read. Returns the unsubscribe function.
// The subscriber list is read when a notification is dispatched, so a
// listener also receives notifications that were still queued when it
// subscribed.
func (f *NotificationFabric) SubscribeAppends(scope StreamID, fn AppendHandler) func() {
	sub := &appendSubscription{scope: scope, fn: fn}
	f.mu.Lock()
	f.appendSubs = append(append([]*appendSubscription{}, f.appendSubs...), sub)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		next := make([]*appendSubscription, 0, len(f.appendSubs))
		for _, s := range f.appendSubs {
			if s != sub {
				next = append(next, s)
			}
		}
		f.appendSubs = next
	}
}

// SubscribeBookmarks registers a bookmark listener. An empty reader
// subscribes to every reader's bookmark updates.
func (f *NotificationFabric) SubscribeBookmarks(reader string, fn BookmarkHandler) func() {
	sub := &bookmarkSubscription{reader: reader, fn: fn}
	f.mu.Lock()
	f.bookmarkSubs = append(append([]*bookmarkSubscription{}, f.bookmarkSubs...), sub)
	f.mu.Unlock()
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		next := make([]*bookmarkSubscription, 0, len(f.bookmarkSubs))
		for _, s := range f.bookmarkSubs {
			if s != sub {
				next = append(next, s)
			}
		}
		f.bookmarkSubs = next
	}
}

// Stop detaches from storage, drains the queue best-effort and waits for the
// dispatcher to exit.
func (f *NotificationFabric) Stop() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		<-f.done
		return
	}
	f.closed = true
	f.mu.Unlock()

	f.unsubscribe()
	close(f.stop)
	<-f.done
}

func (f *NotificationFabric) dispatch() {
	defer close(f.done)
	for {
		select {
		case n := <-f.queue:
			f.deliver(f.coalesce(n))
		case <-f.stop:
			// Final best-effort drain.
			for {
				select {
				case n := <-f.queue:
					f.deliver(f.coalesce(n))
				default:
					return
				}
			}
		}
	}
}

// coalesce collects everything currently queued and keeps only the last
// notification per stream and per reader, in arrival order of the survivors.
func (f *NotificationFabric) coalesce(first fabricNotice) []fabricNotice {
	pending := []fabricNotice{first}
	for {
		select {
		case n := <-f.queue:
			pending = append(pending, n)
		default:
			lastAppend := make(map[StreamID]int)
			lastBookmark := make(map[string]int)
			for i, n := range pending {
				if n.append != nil {
					lastAppend[n.append.Stream] = i
				}
				if n.bookmark != nil {
					lastBookmark[n.bookmark.Reader] = i
				}
			}
			out := make([]fabricNotice, 0, len(pending))
			for i, n := range pending {
				if n.append != nil && lastAppend[n.append.Stream] == i {
					out = append(out, n)
				}
				if n.bookmark != nil && lastBookmark[n.bookmark.Reader] == i {
					out = append(out, n)
				}
			}
			return out
		}
	}
}

func (f *NotificationFabric) deliver(notices []fabricNotice) {
	f.mu.Lock()
	appendSubs := f.appendSubs
	bookmarkSubs := f.bookmarkSubs
	f.mu.Unlock()

	for _, n := range notices {
		switch {
		case n.append != nil:
			for _, sub := range appendSubs {
				f.deliverAppend(sub, *n.append)
			}
		case n.bookmark != nil:
			for _, sub := range bookmarkSubs {
				if sub.reader != "" && sub.reader != n.bookmark.Reader {
					continue
				}
				if err := sub.fn(*n.bookmark); err != nil {
					f.log.WithFields(logrus.Fields{
						"reader": n.bookmark.Reader,
					}).WithError(err).Warn("bookmark listener failed")
				}
			}
		}
	}
}

func (f *NotificationFabric) deliverAppend(sub *appendSubscription, n AppendNotification) {
	if !sub.scope.CanRead(n.Stream) {
		return
	}
	// The listener may have read ahead of this notification already; skip
	// anything its reported high-water mark covers.
	if sub.hasHighWater && !n.LastRef.HappenedAfter(sub.highWater) {
		return
	}
	processed, err := sub.fn(n)
	if err != nil {
		f.log.WithFields(logrus.Fields{
			"stream":   n.Stream.String(),
			"position": n.LastRef.Position,
		}).WithError(err).Warn("append listener failed")
		return
	}
	if !sub.hasHighWater || processed.HappenedAfter(sub.highWater) {
		sub.highWater = processed
		sub.hasHighWater = true
	}
}
