package events

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"cloud.google.com/go/pubsub"
)

// PubSubEventBus publishes every event to a Cloud Pub/Sub topic for the
// dashboards and notification senders, and fans out to in-memory subscribers.
// Messages are ordered per actor.
type PubSubEventBus struct {
	*EventBus

	client *pubsub.Client
	topic  *pubsub.Topic
	logger *log.Logger
}

// NewPubSubEventBus connects to projectID and creates topicID if missing.
func NewPubSubEventBus(ctx context.Context, projectID, topicID string) (*PubSubEventBus, error) {
	client, err := pubsub.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	bus, err := NewPubSubEventBusWithClient(ctx, client, topicID)
	if err != nil {
		client.Close()
		return nil, err
	}
	return bus, nil
}

// NewPubSubEventBusWithClient uses an existing client. The bus owns it.
func NewPubSubEventBusWithClient(ctx context.Context, client *pubsub.Client, topicID string) (*PubSubEventBus, error) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	topic := client.Topic(topicID)
	exists, err := topic.Exists(ctx)
	if err != nil {
		return nil, fmt.Errorf("topic.Exists: %w", err)
	}
	if !exists {
		topic, err = client.CreateTopic(ctx, topicID)
		if err != nil {
			return nil, fmt.Errorf("CreateTopic: %w", err)
		}
		slog.Info("Created Pub/Sub topic", "topic_id", topicID)
	}
	topic.EnableMessageOrdering = true

	bus := &PubSubEventBus{
		EventBus: NewEventBus(),
		client:   client,
		topic:    topic,
		logger:   log.New(log.Writer(), "[PUBSUB] ", log.LstdFlags),
	}
	bus.logger.Printf("connected to topic %s", topic.String())
	return bus, nil
}

// Emit publishes to Pub/Sub then to in-memory subscribers. It does not wait
// for the publish acknowledgement.
func (pb *PubSubEventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	pb.publish(event)
	pb.EventBus.Publish(event)
}

func (pb *PubSubEventBus) publish(event *CloudEvent) *pubsub.PublishResult {
	payload, err := event.JSON()
	if err != nil {
		pb.logger.Printf("marshal event %s: %v", event.ID, err)
		return nil
	}

	msg := &pubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"ce-specversion": event.SpecVersion,
			"ce-type":        event.Type,
			"ce-source":      event.Source,
			"ce-id":          event.ID,
			"ce-time":        event.Time.Format(time.RFC3339Nano),
			"ce-subject":     event.Subject,
		},
		OrderingKey: event.Subject,
	}

	result := pb.topic.Publish(context.Background(), msg)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if _, err := result.Get(ctx); err != nil {
			pb.logger.Printf("publish failed: %s (%s): %v", event.ID, event.Type, err)
			if event.Subject != "" {
				// an ordering key stays paused after a failure until resumed
				pb.topic.ResumePublish(event.Subject)
			}
		}
	}()
	return result
}

// Close flushes pending messages and closes the client.
func (pb *PubSubEventBus) Close() error {
	pb.topic.Stop()
	if err := pb.client.Close(); err != nil {
		return fmt.Errorf("pubsub client close: %w", err)
	}
	return nil
}

// HealthCheck verifies the topic is reachable.
func (pb *PubSubEventBus) HealthCheck(ctx context.Context) error {
	exists, err := pb.topic.Exists(ctx)
	if err != nil {
		return fmt.Errorf("topic health check: %w", err)
	}
	if !exists {
		return fmt.Errorf("topic %s does not exist", pb.topic.ID())
	}
	return nil
}

var _ EventEmitter = (*PubSubEventBus)(nil)
