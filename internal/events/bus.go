package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/example/whisperd/internal/observability"
	"github.com/example/whisperd/internal/state"
)

// Type classifies bus messages.
type Type string

const (
	TypeTaskUpdate       Type = "task_update"
	TypeDownloadProgress Type = "download_progress"
	TypeHeartbeat        Type = "heartbeat"
	TypeCompaction       Type = "compaction"
)

// Event is one sequenced bus message. TaskID is a routing key for observers;
// the wire body is Payload.
type Event struct {
	Seq     int64     `json:"seq"`
	Type    Type      `json:"type"`
	At      time.Time `json:"at"`
	TaskID  string    `json:"-"`
	Payload any       `json:"payload"`
}

// TaskUpdate is the task_update payload.
type TaskUpdate struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Progress   int        `json:"progress"`
	Message    string     `json:"message,omitempty"`
	Model      string     `json:"model"`
	Language   string     `json:"language"`
	Files      []string   `json:"files"`
	GPU        *int       `json:"gpu,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	StartTime  *time.Time `json:"start_time,omitempty"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	RetryCount int        `json:"retry_count"`
	Error      *ErrorInfo `json:"error,omitempty"`
}

// ErrorInfo carries the stable error code plus a human message.
type ErrorInfo struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// DownloadProgress is the download_progress payload. Progress is -1 on a
// failed fetch, 0..99 in flight, 100 once the weights are on disk.
type DownloadProgress struct {
	TaskID    string `json:"task_id"`
	ModelName string `json:"model_name"`
	Progress  int    `json:"progress"`
	Message   string `json:"message,omitempty"`
}

// Heartbeat is the heartbeat payload.
type Heartbeat struct {
	ServerTS time.Time `json:"server_ts"`
}

// Compaction replaces events dropped from a slow subscriber's ring.
type Compaction struct {
	Dropped int `json:"dropped"`
}

// FromTask renders a queue record as a task_update payload.
func FromTask(t state.Task) TaskUpdate {
	u := TaskUpdate{
		ID:         t.ID,
		Status:     t.Status,
		Progress:   t.Progress,
		Message:    t.Message,
		Model:      t.Spec.Model,
		Language:   t.Spec.Language,
		Files:      t.Spec.Files,
		CreatedAt:  t.CreatedAt,
		RetryCount: t.RetryCount,
	}
	if t.GPU != state.NoGPU {
		gpu := t.GPU
		u.GPU = &gpu
	}
	if !t.StartedAt.IsZero() {
		started := t.StartedAt
		u.StartTime = &started
	}
	if !t.EndedAt.IsZero() {
		ended := t.EndedAt
		u.EndTime = &ended
	}
	if t.Status == state.TaskFailed && t.ErrorKind != "" {
		u.Error = &ErrorInfo{Kind: string(t.ErrorKind), Message: t.ErrorMessage}
	}
	return u
}

// ErrSubscriberClosed reports delivery after Close.
var ErrSubscriberClosed = errors.New("subscriber closed")

// BusOptions configures fan-out. Zero values take the defaults documented on
// each field.
type BusOptions struct {
	RingSize          int           // per-subscriber buffer, default 128
	HeartbeatInterval time.Duration // default 30s
	HeartbeatTimeout  time.Duration // subscriber eviction, default 120s
	Now               func() time.Time
}

// Bus fans events out to per-subscriber bounded rings. Publish never blocks:
// a full ring drops its oldest non-heartbeat event, counts the drop, and the
// subscriber sees a compaction notice on its next read. The registry sits
// under a reader-writer lock; each ring has its own mutex.
type Bus struct {
	opts BusOptions
	seq  atomic.Int64

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// Subscriber is one client's view of the bus. Next blocks for the next
// batch; a subscriber that stops reading for longer than the heartbeat
// timeout is evicted.
type Subscriber struct {
	id  string
	bus *Bus

	mu       sync.Mutex
	ring     []Event
	dropped  int
	lastRead time.Time
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

func NewBus(opts BusOptions) *Bus {
	if opts.RingSize <= 0 {
		opts.RingSize = 128
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 120 * time.Second
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Bus{opts: opts, subs: make(map[string]*Subscriber)}
}

// Start runs the heartbeat loop until ctx is cancelled, then closes every
// subscriber.
func (b *Bus) Start(ctx context.Context) {
	ticker := time.NewTicker(b.opts.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			b.closeAll()
			return
		case <-ticker.C:
			b.Publish(Event{Type: TypeHeartbeat, Payload: Heartbeat{ServerTS: b.opts.Now()}})
			b.evictStale()
		}
	}
}

// Subscribe registers a new client and returns its event view.
func (b *Bus) Subscribe() *Subscriber {
	sub := &Subscriber{
		id:       "sub-" + uuid.NewString(),
		bus:      b,
		ring:     make([]Event, 0, b.opts.RingSize),
		lastRead: b.opts.Now(),
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	b.mu.Lock()
	b.subs[sub.id] = sub
	n := len(b.subs)
	b.mu.Unlock()
	observability.Default.SetGauge("event_subscribers", nil, float64(n))
	return sub
}

// Publish assigns a sequence number and fans the event out. It never blocks
// on any subscriber.
func (b *Bus) Publish(evt Event) Event {
	evt.Seq = b.seq.Add(1)
	if evt.At.IsZero() {
		evt.At = b.opts.Now()
	}
	b.mu.RLock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()
	for _, s := range subs {
		s.offer(evt, b.opts.RingSize)
	}
	observability.Default.IncCounter("events_published_total", map[string]string{"type": string(evt.Type)}, 1)
	return evt
}

// PublishTaskUpdate is the queue's notification hook.
func (b *Bus) PublishTaskUpdate(t state.Task) {
	b.Publish(Event{Type: TypeTaskUpdate, TaskID: t.ID, Payload: FromTask(t)})
}

// PublishDownloadProgress reports model-fetch progress for a task.
func (b *Bus) PublishDownloadProgress(p DownloadProgress) {
	b.Publish(Event{Type: TypeDownloadProgress, TaskID: p.TaskID, Payload: p})
}

// SubscriberCount reports the registry size.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	delete(b.subs, id)
	n := len(b.subs)
	b.mu.Unlock()
	observability.Default.SetGauge("event_subscribers", nil, float64(n))
}

func (b *Bus) closeAll() {
	b.mu.Lock()
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.subs = make(map[string]*Subscriber)
	b.mu.Unlock()
	for _, s := range subs {
		s.markClosed()
	}
	observability.Default.SetGauge("event_subscribers", nil, 0)
}

// evictStale disconnects subscribers that have not read within the timeout.
func (b *Bus) evictStale() {
	cutoff := b.opts.Now().Add(-b.opts.HeartbeatTimeout)
	b.mu.RLock()
	var stale []*Subscriber
	for _, s := range b.subs {
		s.mu.Lock()
		idle := s.lastRead.Before(cutoff)
		s.mu.Unlock()
		if idle {
			stale = append(stale, s)
		}
	}
	b.mu.RUnlock()
	for _, s := range stale {
		s.Close()
		observability.Default.IncCounter("event_subscribers_evicted_total", nil, 1)
	}
}

// ID identifies the subscriber in logs.
func (s *Subscriber) ID() string { return s.id }

func (s *Subscriber) offer(evt Event, ringSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if len(s.ring) >= ringSize {
		drop := 0
		for i, queued := range s.ring {
			if queued.Type != TypeHeartbeat {
				drop = i
				break
			}
		}
		s.ring = append(s.ring[:drop], s.ring[drop+1:]...)
		s.dropped++
		observability.Default.IncCounter("events_dropped_total", nil, 1)
	}
	s.ring = append(s.ring, evt)
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next blocks until a batch of events is available, the context ends, or the
// subscriber is closed. When events were dropped since the previous read,
// the batch opens with a compaction notice.
func (s *Subscriber) Next(ctx context.Context) ([]Event, error) {
	for {
		s.mu.Lock()
		if len(s.ring) > 0 {
			batch := make([]Event, 0, len(s.ring)+1)
			if s.dropped > 0 {
				batch = append(batch, Event{
					Seq:     s.bus.seq.Add(1),
					Type:    TypeCompaction,
					At:      s.bus.opts.Now(),
					Payload: Compaction{Dropped: s.dropped},
				})
				s.dropped = 0
			}
			batch = append(batch, s.ring...)
			s.ring = s.ring[:0]
			s.lastRead = s.bus.opts.Now()
			s.mu.Unlock()
			return batch, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrSubscriberClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, ErrSubscriberClosed
		case <-s.notify:
		}
	}
}

// Close detaches the subscriber from the bus. Safe to call more than once.
func (s *Subscriber) Close() {
	s.bus.remove(s.id)
	s.markClosed()
}

func (s *Subscriber) markClosed() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}
