package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/pubsub"
)

// PubSubNotifier publishes record-change events to a Pub/Sub topic.
type PubSubNotifier struct {
	topic   *pubsub.Topic
	marshal func(any) ([]byte, error)
}

// NewPubSubNotifier constructs a Pub/Sub backed change notifier.
func NewPubSubNotifier(topic *pubsub.Topic) (*PubSubNotifier, error) {
	if topic == nil {
		return nil, errors.New("pubsub notifier: topic is required")
	}
	return &PubSubNotifier{
		topic:   topic,
		marshal: json.Marshal,
	}, nil
}

// PublishChange enqueues a change event on the configured topic and returns the server message ID.
func (n *PubSubNotifier) PublishChange(ctx context.Context, change Change) (string, error) {
	if n == nil || n.topic == nil {
		return "", errors.New("pubsub notifier: not initialised")
	}

	data, err := n.marshal(change)
	if err != nil {
		return "", fmt.Errorf("marshal change event: %w", err)
	}

	attrs := make(map[string]string)
	setAttr(attrs, "table", change.Table)
	setAttr(attrs, "op", change.Op)
	setAttr(attrs, "recordId", change.RecordID)

	result := n.topic.Publish(ctx, &pubsub.Message{
		Data:       data,
		Attributes: attrs,
	})

	id, err := result.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("publish change event: %w", err)
	}
	return id, nil
}

func setAttr(attrs map[string]string, key string, value string) {
	if v := strings.TrimSpace(value); v != "" {
		attrs[key] = v
	}
}
