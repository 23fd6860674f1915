// Package transform filters and reshapes events on their way to a handler.
//
// Every event is given a topic made of its name and, when it concerns a
// single device or task, that resource's id:
//
//	task_update/t1
//	device_status/d1
//	analytics_update
//
// Transforms match topics with MQTT-style patterns, so "task_update/+",
// "+/d1" and "device_status/+device" all work; named wildcards are
// extracted into Message.Fields.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/amir-yaghoubi/mqttpattern"
	"github.com/tsarna/fleetlink/pkg/fleetlink"
)

// Message is one event as seen by a transform pipeline.
type Message struct {
	Topic   string
	Event   fleetlink.Event
	Payload any               // JSON-shaped view of the event payload
	Fields  map[string]string // values extracted from the topic
}

// MessageTransformFunc transforms a message before it reaches the handler.
// A nil message drops it; false stops the pipeline after this transform.
type MessageTransformFunc func(msg *Message) (*Message, bool)

// Topic returns the topic of event.
func Topic(event fleetlink.Event) string {
	name := string(event.Type())
	if id := resourceID(event); id != "" {
		return name + "/" + id
	}
	return name
}

func resourceID(event fleetlink.Event) string {
	switch e := event.(type) {
	case fleetlink.TaskUpdate:
		return e.TaskID
	case fleetlink.TaskStarted:
		return e.TaskID
	case fleetlink.TaskCompleted:
		return e.TaskID
	case fleetlink.TaskFailed:
		return e.TaskID
	case fleetlink.DeviceStatus:
		return e.DeviceID
	case fleetlink.DeviceConnected:
		return e.DeviceID
	case fleetlink.DeviceDisconnected:
		return e.DeviceID
	case fleetlink.SystemAlert:
		return e.ID
	}
	return ""
}

// NewMessage builds the pipeline view of event.
func NewMessage(event fleetlink.Event) (*Message, error) {
	raw, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", event.Type(), err)
	}

	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode %s payload: %w", event.Type(), err)
	}

	return &Message{Topic: Topic(event), Event: event, Payload: payload}, nil
}

// ApplyTransforms runs msg through transforms in order and returns the
// result, or nil if a transform dropped it.
func ApplyTransforms(msg *Message, transforms []MessageTransformFunc) *Message {
	for _, transform := range transforms {
		var cont bool
		msg, cont = transform(msg)
		if msg == nil || !cont {
			break
		}
	}
	return msg
}

// Handler adapts a pipeline to fleetlink.Handler. Messages that survive
// every transform are passed to next.
func Handler(transforms []MessageTransformFunc, next func(ctx context.Context, msg *Message) error) fleetlink.Handler {
	return fleetlink.HandlerFunc(func(ctx context.Context, event fleetlink.Event) error {
		msg, err := NewMessage(event)
		if err != nil {
			return err
		}
		if msg = ApplyTransforms(msg, transforms); msg == nil {
			return nil
		}
		return next(ctx, msg)
	})
}

// MatchTopicPattern keeps only messages whose topic matches pattern and
// records any named wildcards in Fields.
//
//	MatchTopicPattern("task_update/+task") // Fields["task"] == "t1" for task_update/t1
func MatchTopicPattern(pattern string) MessageTransformFunc {
	extracts := mqttpattern.HasExtractions(pattern)

	return func(msg *Message) (*Message, bool) {
		if !mqttpattern.Matches(pattern, msg.Topic) {
			return nil, false
		}
		if extracts {
			fields := make(map[string]string, len(msg.Fields))
			for k, v := range msg.Fields {
				fields[k] = v
			}
			for k, v := range mqttpattern.Extract(pattern, msg.Topic) {
				fields[k] = v
			}
			copied := *msg
			copied.Fields = fields
			return &copied, true
		}
		return msg, true
	}
}

// DropTopicPattern drops messages whose topic matches pattern.
func DropTopicPattern(pattern string) MessageTransformFunc {
	return func(msg *Message) (*Message, bool) {
		if mqttpattern.Matches(pattern, msg.Topic) {
			return nil, false
		}
		return msg, true
	}
}

// OnlyEvents keeps messages for the given event names.
func OnlyEvents(types ...fleetlink.EventType) MessageTransformFunc {
	keep := make(map[fleetlink.EventType]bool, len(types))
	for _, t := range types {
		keep[t] = true
	}

	return func(msg *Message) (*Message, bool) {
		if !keep[msg.Event.Type()] {
			return nil, false
		}
		return msg, true
	}
}

// RateLimitByTopic lets through at most one message per topic per
// minInterval. Safe for concurrent use.
func RateLimitByTopic(minInterval time.Duration) MessageTransformFunc {
	var mu sync.Mutex
	lastSent := make(map[string]time.Time)

	return func(msg *Message) (*Message, bool) {
		now := time.Now()

		mu.Lock()
		defer mu.Unlock()

		if last, exists := lastSent[msg.Topic]; exists && now.Sub(last) < minInterval {
			return nil, false
		}
		lastSent[msg.Topic] = now
		return msg, true
	}
}
