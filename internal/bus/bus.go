package bus

import (
	"strings"
	"sync"
)

const defaultBufferSize = 100

// Event is a message published on the bus.
type Event struct {
	Topic   string
	Payload interface{}
}

// Orchestration event topics.
const (
	TopicTaskStateChanged    = "task.state_changed"
	TopicTaskClaimed         = "processor.task.claimed"
	TopicStepCompleted       = "pipeline.step.completed"
	TopicStepRetried         = "pipeline.step.retried"
	TopicReviewRoundFinished = "pipeline.review.round_finished"
)

// TaskStateChangedEvent is published whenever a task's status column
// changes, including the implicit "claimed" transition when a pending
// task's workspace_id goes from NULL to a concrete slot.
type TaskStateChangedEvent struct {
	TaskID    int64
	OldStatus string
	NewStatus string
}

// StepCompletedEvent is published after a pipeline step's body finishes
// (successfully or not) and its outcome has been committed.
type StepCompletedEvent struct {
	TaskID int64
	Step   string
	Failed bool
}

// TaskClaimedEvent is published when ClaimNextPending binds a previously
// unbound pending task to a workspace slot.
type TaskClaimedEvent struct {
	TaskID      int64
	WorkspaceID int64
}

// StepRetriedEvent is published when a step's body requests a rewind,
// sending the task back to an earlier step instead of advancing past the
// one that just ran.
type StepRetriedEvent struct {
	TaskID   int64
	Step     string
	RewindTo string
}

// ReviewRoundFinishedEvent is published after one agent_review_loop round
// completes its review phase, whether or not every reviewer approved.
type ReviewRoundFinishedEvent struct {
	TaskID   int64
	Step     string
	Round    int
	Approved bool
}

// Subscription represents an active subscription.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event {
	return s.ch
}

// Bus is a simple in-process pub/sub message bus with topic prefix matching.
type Bus struct {
	mu     sync.RWMutex
	subs   map[int]*Subscription
	nextID int
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		subs: make(map[int]*Subscription),
	}
}

// Subscribe creates a subscription for events matching the given topic prefix.
// An empty prefix matches all topics.
// The returned channel has a buffer of 100 events; slow consumers will miss events
// (non-blocking send).
func (b *Bus) Subscribe(topicPrefix string) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	sub := &Subscription{
		id:     b.nextID,
		prefix: topicPrefix,
		ch:     make(chan Event, defaultBufferSize),
	}
	b.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.subs[sub.id]; ok {
		delete(b.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends an event to all matching subscribers.
// Delivery is non-blocking: if a subscriber's buffer is full, the event is dropped.
func (b *Bus) Publish(topic string, payload interface{}) {
	event := Event{
		Topic:   topic,
		Payload: payload,
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		if sub.prefix == "" || strings.HasPrefix(topic, sub.prefix) {
			// Non-blocking send.
			select {
			case sub.ch <- event:
			default:
				// Buffer full, drop event for this subscriber.
			}
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
