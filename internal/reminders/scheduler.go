package reminders

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventName is the realtime event carrying reminder payloads.
const EventName = "reminder"

// ErrInvalidPayload indicates a delivery request with a missing title or message.
var ErrInvalidPayload = errors.New("reminders: title and message are required")

// Emitter is the realtime fan-out surface the scheduler publishes into.
type Emitter interface {
	Emit(event string, payload interface{}, rooms ...string)
	Broadcast(event string, payload interface{})
}

// TargetKind selects how a delivery request is addressed.
type TargetKind int

const (
	// TargetBroadcast addresses every open connection.
	TargetBroadcast TargetKind = iota
	// TargetUser addresses the identity rooms of one user (id or handle).
	TargetUser
	// TargetRoom addresses an explicit room by name.
	TargetRoom
)

// Target selects the audience of a delivery request. Unknown targets resolve
// to empty rooms; emission to an empty room is a no-op, not an error.
type Target struct {
	Kind  TargetKind
	Value string
}

// BroadcastTarget addresses all connected clients.
func BroadcastTarget() Target {
	return Target{Kind: TargetBroadcast}
}

// UserTarget addresses a single user by id or handle.
func UserTarget(identifier string) Target {
	return Target{Kind: TargetUser, Value: identifier}
}

// RoomTarget addresses an explicit room name.
func RoomTarget(name string) Target {
	return Target{Kind: TargetRoom, Value: name}
}

// Request is a reminder delivery request. A zero DeliverAt (or one not
// strictly in the future) emits immediately.
type Request struct {
	Target    Target
	Title     string
	Message   string
	DeliverAt time.Time
}

// Outcome is the synchronous scheduling result.
type Outcome struct {
	Sent          bool
	ScheduledInMs int64
}

// Payload is the emitted event body. Timestamp is the actual emission instant
// in epoch milliseconds, not the requested delivery instant.
type Payload struct {
	Title     string `json:"title"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// SchedulerConfig describes the dependencies of the reminder scheduler.
type SchedulerConfig struct {
	Emitter Emitter
	Clock   func() time.Time
	Logger  *zap.Logger
}

// Scheduler validates delivery requests and emits them immediately or arms a
// pending entry on a min-heap drained by a single timer loop. Pending entries
// are held in memory only; a process restart drops them.
type Scheduler struct {
	emitter Emitter
	now     func() time.Time
	logger  *zap.Logger

	mu      sync.Mutex
	pending pendingHeap
	seq     uint64
	wake    chan struct{}
}

// NewScheduler constructs the scheduler. Start must be called before delayed
// requests will fire.
func NewScheduler(cfg SchedulerConfig) (*Scheduler, error) {
	if cfg.Emitter == nil {
		return nil, fmt.Errorf("reminders: emitter required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		emitter: cfg.Emitter,
		now:     clock,
		logger:  logger,
		wake:    make(chan struct{}, 1),
	}, nil
}

// Schedule validates the request and either emits before returning or arms a
// pending entry, reporting the computed delay. The call never blocks on the
// timer loop.
func (s *Scheduler) Schedule(request Request) (Outcome, error) {
	if strings.TrimSpace(request.Title) == "" || strings.TrimSpace(request.Message) == "" {
		return Outcome{}, ErrInvalidPayload
	}

	now := s.now()
	delay := request.DeliverAt.Sub(now)
	if request.DeliverAt.IsZero() || delay <= 0 {
		s.emit(request)
		return Outcome{Sent: true}, nil
	}

	s.mu.Lock()
	s.seq++
	heap.Push(&s.pending, &pendingReminder{
		fireAt:  request.DeliverAt,
		seq:     s.seq,
		request: request,
	})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}

	s.logger.Debug("reminder scheduled",
		zap.Int64("delay_ms", delay.Milliseconds()),
		zap.Time("deliver_at", request.DeliverAt))
	return Outcome{ScheduledInMs: delay.Milliseconds()}, nil
}

// PendingCount reports how many reminders are armed but not yet fired.
func (s *Scheduler) PendingCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending.Len()
}

// Start launches the timer loop. It returns immediately; the loop stops when
// the context is cancelled, silently dropping any still-pending reminders.
func (s *Scheduler) Start(ctx context.Context) {
	go s.run(ctx)
}

func (s *Scheduler) run(ctx context.Context) {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()
	for {
		var fire <-chan time.Time
		if wait, armed := s.nextWait(); armed {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(wait)
			fire = timer.C
		}
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			// re-evaluate the earliest entry
		case <-fire:
			s.fireDue()
		}
	}
}

// nextWait reports the delay until the earliest pending entry.
func (s *Scheduler) nextWait() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending.Len() == 0 {
		return 0, false
	}
	wait := s.pending[0].fireAt.Sub(s.now())
	if wait < 0 {
		wait = 0
	}
	return wait, true
}

// fireDue pops and emits every entry whose instant has passed.
func (s *Scheduler) fireDue() {
	for {
		s.mu.Lock()
		if s.pending.Len() == 0 || s.pending[0].fireAt.After(s.now()) {
			s.mu.Unlock()
			return
		}
		entry := heap.Pop(&s.pending).(*pendingReminder)
		s.mu.Unlock()
		s.emit(entry.request)
	}
}

func (s *Scheduler) emit(request Request) {
	payload := Payload{
		Title:     request.Title,
		Message:   request.Message,
		Timestamp: s.now().UnixMilli(),
	}
	switch request.Target.Kind {
	case TargetBroadcast:
		s.emitter.Broadcast(EventName, payload)
	case TargetUser:
		s.emitter.Emit(EventName, payload, userRoom(request.Target.Value))
	case TargetRoom:
		s.emitter.Emit(EventName, payload, request.Target.Value)
	}
}

func userRoom(identifier string) string {
	return "user:" + identifier
}

type pendingReminder struct {
	fireAt  time.Time
	seq     uint64
	request Request
}

// pendingHeap orders entries by fire instant, then arrival order.
type pendingHeap []*pendingReminder

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].seq < h[j].seq
	}
	return h[i].fireAt.Before(h[j].fireAt)
}

func (h pendingHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *pendingHeap) Push(x interface{}) {
	*h = append(*h, x.(*pendingReminder))
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	last := len(old) - 1
	entry := old[last]
	old[last] = nil
	*h = old[:last]
	return entry
}
