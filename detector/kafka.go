package detector

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

type KafkaConfig struct {
	Brokers     []string
	Topic       string
	GroupID     string
	PollTimeout time.Duration
}

// messageReader is the part of *kafka.Reader the consumer uses.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConsumer reads detector readings from a topic. A message key holding a lane id
// stands in for a missing lane_id in the payload.
type KafkaConsumer struct {
	cfg    KafkaConfig
	reader messageReader
	sink   Sink
	log    *slog.Logger
}

func NewKafkaConsumer(cfg KafkaConfig, sink Sink, log *slog.Logger) (*KafkaConsumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, errors.New("detector topic must not be empty")
	}
	if strings.TrimSpace(cfg.GroupID) == "" {
		return nil, errors.New("consumer group must not be empty")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     cfg.GroupID,
		Topic:       cfg.Topic,
		StartOffset: kafka.LastOffset,
		MinBytes:    1,
		MaxBytes:    1e6,
	})
	return newKafkaConsumer(cfg, reader, sink, log), nil
}

func newKafkaConsumer(cfg KafkaConfig, reader messageReader, sink Sink, log *slog.Logger) *KafkaConsumer {
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &KafkaConsumer{cfg: cfg, reader: reader, sink: sink, log: log}
}

func (c *KafkaConsumer) Close() error {
	return c.reader.Close()
}

// Run consumes until ctx is cancelled or the reader is closed. Undecodable messages are
// logged and committed so they are not redelivered.
func (c *KafkaConsumer) Run(ctx context.Context) error {
	c.log.Info("detector consumer started", "topic", c.cfg.Topic, "group", c.cfg.GroupID, "brokers", strings.Join(c.cfg.Brokers, ","))
	defer c.log.Info("detector consumer stopped")

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				continue
			case errors.Is(err, context.Canceled):
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			case errors.Is(err, io.EOF), errors.Is(err, kafka.ErrGroupClosed):
				return nil
			}
			c.log.Error("detector fetch failed", "err", err)
			continue
		}

		c.handle(msg)

		commitCtx, commitCancel := context.WithTimeout(ctx, c.cfg.PollTimeout)
		if err := c.reader.CommitMessages(commitCtx, msg); err != nil && ctx.Err() == nil {
			c.log.Error("detector commit failed", "err", err, "offset", msg.Offset)
		}
		commitCancel()
	}
}

func (c *KafkaConsumer) handle(msg kafka.Message) {
	fallback := -1
	if id, err := strconv.Atoi(string(msg.Key)); err == nil {
		fallback = id
	}
	r, err := Decode(msg.Value, fallback)
	if err != nil {
		c.log.Warn("detector message dropped", "err", err, "offset", msg.Offset, "partition", msg.Partition)
		return
	}
	if err := Apply(c.sink, r); err != nil {
		c.log.Warn("detector reading rejected", "err", err, "lane", r.LaneID)
		return
	}
	c.log.Debug("detector reading", "lane", r.LaneID, "vehicles", r.VehicleCount, "emergency", r.HasEmergency)
}
