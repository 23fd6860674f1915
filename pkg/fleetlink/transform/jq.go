package transform

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"
	"go.uber.org/zap"
)

// JqTransform compiles a jq program and returns a transform that applies it
// to the message payload. The program can refer to:
//   - $topic: the message topic, e.g. "task_update/t1"
//   - $event: the event name, e.g. "task_update"
//
// A program producing no output drops the message, which makes select a
// filter:
//
//	JqTransform(`select(.progress >= 50)`, logger)
//	JqTransform(`{id: .taskId, pct: .progress, topic: $topic}`, logger)
//
// Several outputs are collected into an array. Runtime errors are logged
// and the message passes through unchanged.
func JqTransform(jqQuery string, logger *zap.Logger) (MessageTransformFunc, error) {
	query, err := gojq.Parse(jqQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to parse JQ query '%s': %w", jqQuery, err)
	}

	code, err := gojq.Compile(query, gojq.WithVariables([]string{"$topic", "$event"}))
	if err != nil {
		return nil, fmt.Errorf("failed to compile JQ query '%s': %w", jqQuery, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}

	return func(msg *Message) (*Message, bool) {
		eventName := string(msg.Event.Type())
		iter := code.RunWithContext(context.Background(), msg.Payload, msg.Topic, eventName)

		var results []any
		for {
			result, ok := iter.Next()
			if !ok {
				break
			}
			if execErr, isErr := result.(error); isErr {
				logger.Error("JQ transform: JQ execution error",
					zap.String("jq_query", jqQuery),
					zap.String("topic", msg.Topic),
					zap.Error(execErr))
				return msg, true
			}
			results = append(results, result)
		}

		if len(results) == 0 {
			return nil, false
		}

		transformed := *msg
		if len(results) == 1 {
			transformed.Payload = results[0]
		} else {
			transformed.Payload = results
		}
		return &transformed, true
	}, nil
}
