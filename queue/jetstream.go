package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStreamConfig configures the JetStream-backed queue.
type JetStreamConfig struct {
	Config

	// Conn is the NATS connection to use.
	Conn *nats.Conn

	// Stream is the work-queue stream name. Default: TASKFORGE_WORK
	Stream string

	// SubjectPrefix prefixes band subjects ("<prefix>.high"). Default: taskforge.work
	SubjectPrefix string

	// Durable is the consumer-group name shared by all workers. Default: workers
	Durable string

	// PollInterval is the pause between empty polls while Pull waits. Default: 200ms
	PollInterval time.Duration

	// DuplicateWindow is how long publish dedup ids are remembered. Default: 2m
	DuplicateWindow time.Duration
}

// DefaultJetStreamConfig returns configuration with sensible defaults.
func DefaultJetStreamConfig() JetStreamConfig {
	return JetStreamConfig{
		Config:          DefaultConfig(),
		Stream:          "TASKFORGE_WORK",
		SubjectPrefix:   "taskforge.work",
		Durable:         "workers",
		PollInterval:    200 * time.Millisecond,
		DuplicateWindow: 2 * time.Minute,
	}
}

// JetStreamQueue implements Queue on a WorkQueuePolicy stream with one
// durable pull consumer per priority band.
type JetStreamQueue struct {
	js        jetstream.JetStream
	config    JetStreamConfig
	consumers map[string]jetstream.Consumer
	closed    atomic.Bool
}

func (c *JetStreamConfig) applyDefaults() {
	def := DefaultJetStreamConfig()
	if c.AckWait <= 0 {
		c.AckWait = def.AckWait
	}
	if c.Stream == "" {
		c.Stream = def.Stream
	}
	if c.SubjectPrefix == "" {
		c.SubjectPrefix = def.SubjectPrefix
	}
	if c.Durable == "" {
		c.Durable = def.Durable
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = def.DuplicateWindow
	}
}

// NewJetStreamQueue creates (or binds to) the stream and band consumers.
func NewJetStreamQueue(ctx context.Context, cfg JetStreamConfig) (*JetStreamQueue, error) {
	if cfg.Conn == nil {
		return nil, fmt.Errorf("nats connection required")
	}
	cfg.applyDefaults()

	js, err := jetstream.New(cfg.Conn)
	if err != nil {
		return nil, fmt.Errorf("jetstream: %w", err)
	}

	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        cfg.Stream,
		Description: "taskforge work queue",
		Subjects:    []string{cfg.SubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		Storage:     jetstream.FileStorage,
		Duplicates:  cfg.DuplicateWindow,
	})
	if err != nil {
		return nil, fmt.Errorf("create stream: %w", err)
	}

	maxDeliver := cfg.MaxDeliver
	if maxDeliver <= 0 {
		maxDeliver = -1
	}

	consumers := make(map[string]jetstream.Consumer, len(Bands))
	for _, band := range Bands {
		cons, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
			Durable:       cfg.Durable + "-" + band,
			FilterSubject: cfg.SubjectPrefix + "." + band,
			AckPolicy:     jetstream.AckExplicitPolicy,
			AckWait:       cfg.AckWait,
			MaxDeliver:    maxDeliver,
		})
		if err != nil {
			return nil, fmt.Errorf("create consumer %s: %w", band, err)
		}
		consumers[band] = cons
	}

	return &JetStreamQueue{js: js, config: cfg, consumers: consumers}, nil
}

// Publish sends taskID to its priority band subject.
func (q *JetStreamQueue) Publish(ctx context.Context, taskID string, priority int, opts ...PublishOption) error {
	if taskID == "" {
		return ErrNoTask
	}
	if q.closed.Load() {
		return ErrClosed
	}
	data, err := json.Marshal(message{TaskID: taskID, Priority: priority})
	if err != nil {
		return err
	}

	var pubOpts []jetstream.PublishOpt
	if o := applyPublishOptions(opts); o.dedupID != "" {
		pubOpts = append(pubOpts, jetstream.WithMsgID(o.dedupID))
	}
	if _, err := q.js.Publish(ctx, q.config.SubjectPrefix+"."+BandFor(priority), data, pubOpts...); err != nil {
		return fmt.Errorf("publish task %s: %w", taskID, err)
	}
	return nil
}

// Pull polls bands highest first until a message arrives or wait elapses.
func (q *JetStreamQueue) Pull(ctx context.Context, wait time.Duration) (Delivery, error) {
	deadline := time.Now().Add(wait)
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		for _, band := range Bands {
			d, err := q.fetchOne(q.consumers[band])
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, ErrEmpty
		}
		pause := q.config.PollInterval
		if remaining < pause {
			pause = remaining
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pause):
		}
	}
}

func (q *JetStreamQueue) fetchOne(cons jetstream.Consumer) (Delivery, error) {
	batch, err := cons.FetchNoWait(1)
	if err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	for msg := range batch.Messages() {
		var m message
		if err := json.Unmarshal(msg.Data(), &m); err != nil {
			// Unreadable payloads would loop forever; drop them.
			_ = msg.Term()
			continue
		}
		attempt := 1
		if md, err := msg.Metadata(); err == nil {
			attempt = int(md.NumDelivered)
		}
		return &jsDelivery{msg: msg, body: m, attempt: attempt}, nil
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	return nil, nil
}

// Close stops pulling. The NATS connection is owned by the caller.
func (q *JetStreamQueue) Close() error {
	if q.closed.Swap(true) {
		return ErrClosed
	}
	return nil
}

type jsDelivery struct {
	msg     jetstream.Msg
	body    message
	attempt int
}

func (d *jsDelivery) TaskID() string { return d.body.TaskID }
func (d *jsDelivery) Priority() int  { return d.body.Priority }
func (d *jsDelivery) Attempt() int   { return d.attempt }

func (d *jsDelivery) Ack(ctx context.Context) error {
	return d.msg.DoubleAck(ctx)
}

func (d *jsDelivery) Nak(_ context.Context, delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}
