package app

import (
	"sync"
	"time"

	"taskstream/internal/logging"
	"taskstream/internal/observability"
	"taskstream/internal/server/ports"
)

// EventChannel is the per-task ordered event log plus the set of currently
// attached live subscribers. Appends assign strictly increasing sequence ids
// starting at 1. Once a terminal event has been queued for every subscriber
// the channel closes permanently: later appends fail and later subscriptions
// receive the buffered tail only.
//
// All mutation happens under the channel mutex; the registry is the only
// caller, so executor writes and gateway reads cannot race.
type EventChannel struct {
	taskID string

	mu           sync.Mutex
	seq          int64
	log          []ports.Event
	subscribers  map[chan ports.Event]struct{}
	closed       bool
	lastActivity time.Time

	// maxHistory bounds the buffered log. Older non-terminal events are
	// discarded; a late subscriber that asks for them gets the oldest
	// retained event and must treat earlier history as lost.
	maxHistory int

	logger  logging.Logger
	metrics *observability.Metrics
}

const defaultSubscriberBuffer = 100

func newEventChannel(taskID string, maxHistory int, logger logging.Logger, metrics *observability.Metrics) *EventChannel {
	if maxHistory <= 0 {
		maxHistory = 1000
	}
	return &EventChannel{
		taskID:       taskID,
		subscribers:  make(map[chan ports.Event]struct{}),
		maxHistory:   maxHistory,
		lastActivity: time.Now(),
		logger:       logging.OrNop(logger),
		metrics:      metrics,
	}
}

// Append assigns the next sequence id, stores the event in the buffered log,
// and fans it out to every live subscriber. Appending a terminal kind closes
// the channel after the fan-out, so every currently attached subscriber still
// has the terminal event queued.
func (c *EventChannel) Append(kind ports.EventKind, payload any) (ports.Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ports.Event{}, ErrChannelClosed
	}

	c.seq++
	event := ports.Event{
		TaskID:    c.taskID,
		Seq:       c.seq,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
	c.log = append(c.log, event)
	if len(c.log) > c.maxHistory {
		c.log = c.log[len(c.log)-c.maxHistory:]
	}
	c.lastActivity = event.Timestamp

	for ch := range c.subscribers {
		c.deliver(ch, event)
	}

	if kind.Terminal() {
		c.closed = true
	}

	c.metrics.EventAppended(string(kind))
	return event, nil
}

// deliver sends event to one subscriber without blocking the append path.
// Terminal events get extra effort: retry once, then evict the oldest queued
// event to make room, since losing the terminal event would strand the client.
func (c *EventChannel) deliver(ch chan ports.Event, event ports.Event) {
	select {
	case ch <- event:
		c.metrics.EventSent()
		return
	default:
	}

	if !event.Kind.Terminal() {
		c.logger.Warn("subscriber buffer full for task %s, dropping event seq=%d kind=%s", c.taskID, event.Seq, event.Kind)
		c.metrics.EventDropped()
		return
	}

	select {
	case ch <- event:
		c.metrics.EventSent()
		return
	default:
	}

	select {
	case <-ch:
		c.metrics.EventDropped()
	default:
	}

	select {
	case ch <- event:
		c.logger.Warn("subscriber buffer saturated for task %s; evicted oldest event to deliver terminal %s", c.taskID, event.Kind)
		c.metrics.EventSent()
	default:
		c.logger.Warn("failed to deliver terminal %s to a subscriber of task %s", event.Kind, c.taskID)
		c.metrics.EventDropped()
	}
}

// Subscribe returns the buffered events with Seq > afterSeq in ascending order
// plus a live channel for subsequent events. On a closed channel the live
// channel is nil: the replay is the idempotent terminal tail and the caller
// must not wait for more.
func (c *EventChannel) Subscribe(afterSeq int64, buffer int) ([]ports.Event, chan ports.Event) {
	if buffer <= 0 {
		buffer = defaultSubscriberBuffer
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	replay := c.historyLocked(afterSeq)
	c.lastActivity = time.Now()

	if c.closed {
		return replay, nil
	}

	ch := make(chan ports.Event, buffer)
	c.subscribers[ch] = struct{}{}
	c.metrics.SubscriberAttached()
	return replay, ch
}

// Unsubscribe detaches a live subscriber and closes its channel. Safe to call
// with a channel that was already detached.
func (c *EventChannel) Unsubscribe(ch chan ports.Event) {
	if ch == nil {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subscribers[ch]; !ok {
		return
	}
	delete(c.subscribers, ch)
	close(ch)
	c.lastActivity = time.Now()
	c.metrics.SubscriberDetached()
}

// History returns a copy of the buffered events with Seq > afterSeq.
func (c *EventChannel) History(afterSeq int64) []ports.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.historyLocked(afterSeq)
}

func (c *EventChannel) historyLocked(afterSeq int64) []ports.Event {
	start := 0
	for start < len(c.log) && c.log[start].Seq <= afterSeq {
		start++
	}
	if start == len(c.log) {
		return nil
	}
	replay := make([]ports.Event, len(c.log)-start)
	copy(replay, c.log[start:])
	return replay
}

// Closed reports whether a terminal event has been appended.
func (c *EventChannel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// LastSeq returns the sequence id of the newest appended event.
func (c *EventChannel) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// SubscriberCount returns the number of attached live subscribers.
func (c *EventChannel) SubscriberCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subscribers)
}

// idleSince reports whether the channel is closed, has no subscribers, and has
// seen no activity since the cutoff. Used by the registry janitor.
func (c *EventChannel) idleSince(cutoff time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed && len(c.subscribers) == 0 && c.lastActivity.Before(cutoff)
}

// drainSubscribers closes every live subscriber channel. Called by the
// registry when tearing a channel down.
func (c *EventChannel) drainSubscribers() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ch := range c.subscribers {
		delete(c.subscribers, ch)
		close(ch)
		c.metrics.SubscriberDetached()
	}
}
