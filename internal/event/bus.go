package event

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event types published by the engine
const (
	InstanceStarted   = "instance.started"
	InstanceCompleted = "instance.completed"
	InstanceFailed    = "instance.failed"
	InstanceCancelled = "instance.cancelled"
	InstancePaused    = "instance.paused"
	InstanceResumed   = "instance.resumed"
	InstanceRetried   = "instance.retried"

	TaskCreated      = "task.created"
	TaskLocked       = "task.locked"
	TaskCompleted    = "task.completed"
	TaskRetrying     = "task.retrying"
	TaskDeadLettered = "task.dead_lettered"
	TaskCancelled    = "task.cancelled"

	RuleMatched       = "rule.matched"
	CampaignTriggered = "campaign.triggered"
)

// Event represents an internal event
type Event struct {
	Type       string         `json:"type"`
	InstanceID string         `json:"instance_id,omitempty"`
	TaskID     string         `json:"task_id,omitempty"`
	NodeID     string         `json:"node_id,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
	Timestamp  int64          `json:"timestamp"`
}

// Subscriber is a function that receives events
type Subscriber func(event *Event)

// Bus is an in-memory event bus for publishing events to subscribers
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]Subscriber // channel → subscribers
	logger      *zap.SugaredLogger
}

// NewBus creates a new event bus
func NewBus(logger *zap.SugaredLogger) *Bus {
	return &Bus{
		subscribers: make(map[string][]Subscriber),
		logger:      logger,
	}
}

// InstanceChannel is the channel carrying events of one workflow instance
func InstanceChannel(instanceID string) string {
	return "instance:" + instanceID
}

// Subscribe registers a subscriber for a channel
// channel can be "*" for all events, or "instance:{id}" for one instance
func (b *Bus) Subscribe(channel string, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[channel] = append(b.subscribers[channel], sub)
}

// Unsubscribe removes all subscribers for a channel
func (b *Bus) Unsubscribe(channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, channel)
}

// Publish sends an event to all matching subscribers. A nil bus drops the event.
func (b *Bus) Publish(evt *Event) {
	if b == nil {
		return
	}
	if evt.Timestamp == 0 {
		evt.Timestamp = time.Now().UnixMilli()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	b.logger.Debugw("Publishing event",
		"type", evt.Type,
		"instance_id", evt.InstanceID,
		"task_id", evt.TaskID,
	)

	for _, sub := range b.subscribers["*"] {
		sub(evt)
	}

	if evt.InstanceID != "" {
		for _, sub := range b.subscribers[InstanceChannel(evt.InstanceID)] {
			sub(evt)
		}
	}
}
