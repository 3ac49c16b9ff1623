package automation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// payloadField is the stream entry field holding the JSON event.
const payloadField = "payload"

// busMessage is the stream envelope. Messages carrying provider and
// event_id go through the deduplication guard.
type busMessage struct {
	TenantID    string                 `json:"tenant_id"`
	TriggerType string                 `json:"trigger_type"`
	SubjectID   uint                   `json:"subject_id"`
	Data        map[string]interface{} `json:"data"`
	Provider    string                 `json:"provider"`
	EventID     string                 `json:"event_id"`
}

// ListenerOptions configures stream consumption.
type ListenerOptions struct {
	Streams []string
	// Group is shared by every worker; each entry is delivered to one consumer.
	Group string
	// Consumer must be unique per process. Defaults to host-pid-random.
	Consumer string
	Block    time.Duration
	Count    int64
}

// Listener feeds events appended to Redis streams into the engine. All
// workers read through one consumer group, so an event is ingested by
// exactly one of them.
type Listener struct {
	client redis.UniversalClient
	engine *Engine
	opts   ListenerOptions
	logger *logrus.Logger
}

func NewListener(client redis.UniversalClient, engine *Engine, opts ListenerOptions, logger *logrus.Logger) *Listener {
	if logger == nil {
		logger = logrus.New()
	}
	if len(opts.Streams) == 0 {
		opts.Streams = []string{"ruleflow:events"}
	}
	if opts.Group == "" {
		opts.Group = "ruleflow"
	}
	if opts.Consumer == "" {
		host, _ := os.Hostname()
		opts.Consumer = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	if opts.Block <= 0 {
		opts.Block = 2 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 50
	}
	return &Listener{client: client, engine: engine, opts: opts, logger: logger}
}

// Start blocks until ctx is cancelled. Entries this consumer read but never
// acknowledged in an earlier run are handled first.
func (l *Listener) Start(ctx context.Context) error {
	for _, stream := range l.opts.Streams {
		err := l.client.XGroupCreateMkStream(ctx, stream, l.opts.Group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("create consumer group on %s: %w", stream, err)
		}
	}
	l.logger.WithFields(logrus.Fields{
		"streams":  l.opts.Streams,
		"group":    l.opts.Group,
		"consumer": l.opts.Consumer,
	}).Info("automation: event listener started")

	if _, err := l.read(ctx, "0"); err != nil && ctx.Err() == nil {
		l.logger.WithError(err).Warn("automation: pending events not replayed")
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		if _, err := l.read(ctx, ">"); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			l.logger.WithError(err).Warn("automation: stream read failed")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
	}
}

// read fetches one batch: ">" for new entries, "0" for this consumer's
// unacknowledged ones.
func (l *Listener) read(ctx context.Context, from string) (int, error) {
	streams := make([]string, 0, 2*len(l.opts.Streams))
	streams = append(streams, l.opts.Streams...)
	for range l.opts.Streams {
		streams = append(streams, from)
	}
	res, err := l.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    l.opts.Group,
		Consumer: l.opts.Consumer,
		Streams:  streams,
		Count:    l.opts.Count,
		Block:    l.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n := 0
	for _, stream := range res {
		for _, msg := range stream.Messages {
			l.process(ctx, stream.Stream, msg)
			n++
		}
	}
	return n, nil
}

// process acks handled and malformed entries. Infrastructure failures stay
// pending and are replayed when this consumer restarts.
func (l *Listener) process(ctx context.Context, stream string, msg redis.XMessage) {
	entry := l.logger.WithFields(logrus.Fields{"stream": stream, "message_id": msg.ID})
	payload, _ := msg.Values[payloadField].(string)
	err := l.handle(ctx, payload)
	switch {
	case err == nil:
	case errors.Is(err, errMalformedEvent) || errors.Is(err, ErrInvalidEvent):
		entry.WithError(err).Warn("automation: event rejected")
	default:
		entry.WithError(err).Error("automation: event left pending")
		return
	}
	if err := l.client.XAck(context.WithoutCancel(ctx), stream, l.opts.Group, msg.ID).Err(); err != nil {
		entry.WithError(err).Warn("automation: ack failed")
	}
}

var errMalformedEvent = errors.New("malformed event")

func (l *Listener) handle(ctx context.Context, payload string) error {
	var m busMessage
	if err := json.Unmarshal([]byte(payload), &m); err != nil {
		return fmt.Errorf("%w: %v", errMalformedEvent, err)
	}
	if m.Provider != "" && m.EventID != "" {
		ext := ExternalEvent{
			Provider: m.Provider,
			EventID:  m.EventID,
			Topic:    m.TriggerType,
			TenantID: m.TenantID,
			Payload:  m.Data,
		}
		if m.SubjectID != 0 {
			if ext.Payload == nil {
				ext.Payload = map[string]interface{}{}
			}
			ext.Payload["subject_id"] = float64(m.SubjectID)
		}
		outcome, _, err := l.engine.IngestExternal(ctx, ext)
		if outcome == OutcomeFailed {
			// 已占用去重记录，重放也不会再执行
			l.logger.WithError(err).WithField("event_id", m.EventID).Warn("automation: event processing failed")
			return nil
		}
		return err
	}
	_, err := l.engine.Ingest(ctx, Event{
		TenantID:    m.TenantID,
		TriggerType: m.TriggerType,
		SubjectID:   m.SubjectID,
		Data:        m.Data,
	})
	return err
}

// Publish appends an event to a stream; producers share this envelope.
func Publish(ctx context.Context, client redis.UniversalClient, stream string, ev Event) error {
	raw, err := json.Marshal(busMessage{
		TenantID:    ev.TenantID,
		TriggerType: ev.TriggerType,
		SubjectID:   ev.SubjectID,
		Data:        ev.Data,
	})
	if err != nil {
		return err
	}
	return client.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{payloadField: string(raw)},
	}).Err()
}
