package streamclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// State is the controller's position in its connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateStreaming
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateStreaming:
		return "streaming"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Message is one delivered task event.
type Message struct {
	Seq       int64
	Kind      string
	Content   json.RawMessage
	Timestamp time.Time
}

// Terminal reports whether the message ends the stream.
func (m Message) Terminal() bool {
	return m.Kind == "complete" || m.Kind == "error"
}

// Failure classes surfaced by Run.
var (
	// ErrUnauthorized means the token was rejected. Retrying with the same
	// credentials is pointless, so the controller closes instead of backing off.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTaskNotFound means the server does not know the task.
	ErrTaskNotFound = errors.New("task not found")

	// ErrAttemptsExhausted means the reconnect budget ran out before a
	// terminal event arrived. The caller should surface a manual-refresh
	// prompt rather than retrying further.
	ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")
)

// Logger is the printf-style logging contract the controller expects.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Options configures a Controller.
type Options struct {
	// BaseURL is the server root, e.g. "http://localhost:5172".
	BaseURL string
	// TaskID selects the stream to consume.
	TaskID string
	// Token authenticates the subscription. Sent as a query parameter
	// because EventSource-style clients cannot set headers.
	Token string

	// OnEvent receives each delivered event exactly once, in sequence order,
	// including across reconnects.
	OnEvent func(Message)
	// OnStateChange observes lifecycle transitions. Optional.
	OnStateChange func(State)

	// MaxAttempts bounds consecutive reconnects (default 3).
	MaxAttempts int
	// RetryDelay is the base backoff; the wait grows linearly with the
	// attempt count (default 1s).
	RetryDelay time.Duration

	HTTPClient *http.Client
	Logger     Logger
}

// Controller is the client-side reconnect state machine. It subscribes to a
// task's event stream, resumes from the last delivered sequence id after
// transport drops, and filters duplicates the server may replay, so OnEvent
// sees strictly increasing sequence ids with no repeats.
type Controller struct {
	opts   Options
	client *http.Client
	logger Logger

	mu       sync.Mutex
	state    State
	lastSeq  int64
	seen     map[int64]struct{}
	attempts int
}

// NewController validates opts and builds a controller in StateIdle.
func NewController(opts Options) (*Controller, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("streamclient: BaseURL is required")
	}
	if opts.TaskID == "" {
		return nil, errors.New("streamclient: TaskID is required")
	}
	if opts.OnEvent == nil {
		return nil, errors.New("streamclient: OnEvent is required")
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = nopLogger{}
	}
	return &Controller{
		opts:   opts,
		client: client,
		logger: logger,
		state:  StateIdle,
		seen:   make(map[int64]struct{}),
	}, nil
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastSeq returns the highest delivered sequence id.
func (c *Controller) LastSeq() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastSeq
}

// Run consumes the stream until a terminal event, an auth failure, exhausted
// reconnects, or ctx cancellation. It returns nil on a clean terminal close.
func (c *Controller) Run(ctx context.Context) error {
	for {
		c.setState(StateConnecting)

		resp, err := c.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.setState(StateClosed)
				return ctx.Err()
			}
			c.logger.Warn("connect failed for task %s: %v", c.opts.TaskID, err)
			if err := c.backoff(ctx); err != nil {
				return err
			}
			continue
		}

		switch resp.StatusCode {
		case http.StatusOK:
			// fall through to streaming
		case http.StatusUnauthorized:
			resp.Body.Close()
			c.setState(StateClosed)
			return ErrUnauthorized
		case http.StatusNotFound:
			resp.Body.Close()
			c.setState(StateClosed)
			return ErrTaskNotFound
		default:
			resp.Body.Close()
			c.logger.Warn("unexpected status %d for task %s", resp.StatusCode, c.opts.TaskID)
			if err := c.backoff(ctx); err != nil {
				return err
			}
			continue
		}

		c.setState(StateStreaming)
		c.resetAttempts()

		terminal, err := c.consume(ctx, resp.Body)
		resp.Body.Close()

		if terminal {
			c.setState(StateClosed)
			return nil
		}
		if ctx.Err() != nil {
			c.setState(StateClosed)
			return ctx.Err()
		}

		c.logger.Info("stream dropped for task %s (last seq %d): %v", c.opts.TaskID, c.LastSeq(), err)
		if err := c.backoff(ctx); err != nil {
			return err
		}
	}
}

func (c *Controller) connect(ctx context.Context) (*http.Response, error) {
	endpoint, err := url.Parse(fmt.Sprintf("%s/tasks/%s/events", c.opts.BaseURL, c.opts.TaskID))
	if err != nil {
		return nil, err
	}

	query := endpoint.Query()
	if c.opts.Token != "" {
		query.Set("token", c.opts.Token)
	}
	if last := c.LastSeq(); last > 0 {
		query.Set("last_event_id", fmt.Sprintf("%d", last))
	}
	endpoint.RawQuery = query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	return c.client.Do(req)
}

// consume decodes frames until the stream ends. It returns terminal=true when
// a complete/error event was delivered, otherwise the transport error.
func (c *Controller) consume(ctx context.Context, body io.Reader) (bool, error) {
	decoder := NewDecoder(body)
	for {
		frame, err := decoder.Next()
		if err != nil {
			if err == io.EOF {
				return false, errors.New("stream ended without terminal event")
			}
			return false, err
		}

		switch frame.Event {
		case "ping", "connected", "":
			continue
		}

		message, ok := c.parseFrame(frame)
		if !ok {
			continue
		}
		if c.duplicate(message.Seq) {
			c.logger.Debug("filtered duplicate seq %d for task %s", message.Seq, c.opts.TaskID)
			continue
		}

		c.opts.OnEvent(message)
		if message.Terminal() {
			return true, nil
		}
	}
}

func (c *Controller) parseFrame(frame *Frame) (Message, bool) {
	var payload struct {
		ID        int64           `json:"id"`
		Content   json.RawMessage `json:"content"`
		Timestamp time.Time       `json:"timestamp"`
	}
	if err := json.Unmarshal([]byte(frame.Data), &payload); err != nil {
		c.logger.Warn("unparseable frame data for task %s: %v", c.opts.TaskID, err)
		return Message{}, false
	}
	return Message{
		Seq:       payload.ID,
		Kind:      frame.Event,
		Content:   payload.Content,
		Timestamp: payload.Timestamp,
	}, true
}

// duplicate records seq and reports whether it was already delivered. The
// server's replay window is best-effort, so dedup belongs to the client.
func (c *Controller) duplicate(seq int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[seq]; ok {
		return true
	}
	c.seen[seq] = struct{}{}
	if seq > c.lastSeq {
		c.lastSeq = seq
	}
	return false
}

// backoff waits before the next reconnect, the delay growing linearly with
// the attempt count. It returns a terminal error once the attempt budget is
// spent or the context ends; nil means retry.
func (c *Controller) backoff(ctx context.Context) error {
	c.mu.Lock()
	c.attempts++
	attempt := c.attempts
	c.mu.Unlock()

	if attempt > c.opts.MaxAttempts {
		c.setState(StateClosed)
		return ErrAttemptsExhausted
	}

	c.setState(StateReconnecting)
	delay := time.Duration(attempt) * c.opts.RetryDelay
	c.logger.Info("reconnect attempt %d/%d for task %s in %s", attempt, c.opts.MaxAttempts, c.opts.TaskID, delay)

	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		c.setState(StateClosed)
		return ctx.Err()
	}
}

func (c *Controller) resetAttempts() {
	c.mu.Lock()
	c.attempts = 0
	c.mu.Unlock()
}

func (c *Controller) setState(next State) {
	c.mu.Lock()
	changed := c.state != next
	c.state = next
	c.mu.Unlock()

	if changed && c.opts.OnStateChange != nil {
		c.opts.OnStateChange(next)
	}
}
