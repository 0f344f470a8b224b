// Package bus publishes snapshots, issue changes and resolution outcomes on
// watermill topics, in process or on Redis streams.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"mirrorball/internal/config"
	"mirrorball/internal/logging"
	"mirrorball/internal/model"
)

var ErrClosed = errors.New("bus closed")

const (
	MetadataSeq       = "seq"
	MetadataIssueID   = "issue_id"
	MetadataRequestID = "request_id"
)

type Topics struct {
	Snapshots    string
	IssueChanges string
	Resolutions  string
}

func TopicsWithPrefix(prefix string) Topics {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = "mirrorball"
	}
	return Topics{
		Snapshots:    prefix + ".snapshots",
		IssueChanges: prefix + ".issue_changes",
		Resolutions:  prefix + ".resolutions",
	}
}

func (t Topics) All() []string {
	return []string{t.Snapshots, t.IssueChanges, t.Resolutions}
}

type Bus struct {
	backend   string
	topics    Topics
	cfg       config.BusConfig
	logger    zerolog.Logger
	wmLogger  watermill.LoggerAdapter
	publisher message.Publisher
	redis     *redis.Client

	mu          sync.Mutex
	closed      bool
	subscribers []message.Subscriber
	memory      *gochannel.GoChannel
}

// Open builds the bus for cfg.Backend. The none backend returns a nil *Bus;
// every method on a nil *Bus is a no-op.
func Open(cfg config.BusConfig, logger zerolog.Logger) (*Bus, error) {
	logger = logger.With().Str("component", "bus").Str("backend", cfg.Backend).Logger()
	b := &Bus{
		backend:  cfg.Backend,
		topics:   TopicsWithPrefix(cfg.TopicPrefix),
		cfg:      cfg,
		logger:   logger,
		wmLogger: logging.NewWatermillAdapter(logger),
	}
	switch cfg.Backend {
	case config.BusBackendNone, "":
		return nil, nil
	case config.BusBackendMemory:
		b.memory = gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 64}, b.wmLogger)
		b.publisher = b.memory
	case config.BusBackendRedis:
		client, err := newRedisClient(cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		publisher, err := redisstream.NewPublisher(redisstream.PublisherConfig{
			Client:     client,
			Marshaller: redisstream.DefaultMarshallerUnmarshaller{},
		}, b.wmLogger)
		if err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("redis stream publisher: %w", err)
		}
		b.redis = client
		b.publisher = publisher
	default:
		return nil, fmt.Errorf("unknown bus backend %q", cfg.Backend)
	}
	logger.Info().Str("topic_prefix", cfg.TopicPrefix).Msg("bus_opened")
	return b, nil
}

func newRedisClient(rawURL string) (*redis.Client, error) {
	options, err := redis.ParseURL(strings.TrimSpace(rawURL))
	if err != nil {
		return nil, fmt.Errorf("parse bus redis url: %w", err)
	}
	return redis.NewClient(options), nil
}

func (b *Bus) Topics() Topics {
	if b == nil {
		return TopicsWithPrefix("")
	}
	return b.topics
}

// Healthy pings Redis for the redis backend.
func (b *Bus) Healthy(ctx context.Context) error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if b.redis != nil {
		return b.redis.Ping(ctx).Err()
	}
	return nil
}

func (b *Bus) PublishSnapshot(ctx context.Context, snapshot model.Snapshot) error {
	if b == nil {
		return nil
	}
	return b.publish(ctx, b.topics.Snapshots, snapshot, map[string]string{
		MetadataSeq: strconv.FormatUint(snapshot.Seq, 10),
	})
}

func (b *Bus) PublishChanges(ctx context.Context, changes []model.IssueChange) error {
	if b == nil {
		return nil
	}
	var errs []error
	for _, change := range changes {
		err := b.publish(ctx, b.topics.IssueChanges, change, map[string]string{
			MetadataSeq:     strconv.FormatUint(change.Seq, 10),
			MetadataIssueID: change.IssueID,
		})
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) PublishOutcome(ctx context.Context, outcome model.ResolutionOutcome) error {
	if b == nil {
		return nil
	}
	return b.publish(ctx, b.topics.Resolutions, outcome, map[string]string{
		MetadataIssueID:   outcome.IssueID,
		MetadataRequestID: outcome.RequestID,
	})
}

func (b *Bus) publish(ctx context.Context, topic string, payload any, metadata map[string]string) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return ErrClosed
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", topic, err)
	}
	msg := message.NewMessage(watermill.NewUUID(), encoded)
	for key, value := range metadata {
		msg.Metadata.Set(key, value)
	}
	msg.SetContext(ctx)
	if err := b.publisher.Publish(topic, msg); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Subscribe returns messages published on topic. Callers must Ack each one.
func (b *Bus) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	if b == nil {
		return nil, ErrClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}
	if b.memory != nil {
		return b.memory.Subscribe(ctx, topic)
	}

	// Each redis subscriber owns its client; closing it closes the client.
	client, err := newRedisClient(b.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	subscriber, err := redisstream.NewSubscriber(redisstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  redisstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: b.cfg.ConsumerGroup,
	}, b.wmLogger)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis stream subscriber: %w", err)
	}
	b.subscribers = append(b.subscribers, subscriber)
	return subscriber.Subscribe(ctx, topic)
}

func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subscribers := b.subscribers
	b.subscribers = nil
	b.mu.Unlock()

	var errs []error
	for _, subscriber := range subscribers {
		if err := subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Decode unmarshals a bus message payload into out.
func Decode(msg *message.Message, out any) error {
	if err := json.Unmarshal(msg.Payload, out); err != nil {
		return fmt.Errorf("decode bus message %s: %w", msg.UUID, err)
	}
	return nil
}
