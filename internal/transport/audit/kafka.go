package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"math/rand"
	"time"

	"github.com/IBM/sarama"

	"github.com/isabella232/FluidFramework/internal/sharedmap"
)

var errQueueFull = errors.New("audit: local queue full")

// semaphore bounds how many sends this publisher has in flight at once,
// independent of the worker count: each worker holds at most one slot at a
// time, so at most min(Workers, MaxInFlight) sends are in flight, and
// raising MaxInFlight above Workers leaves slots unused rather than adding
// throughput.
type semaphore struct {
	ch chan struct{}
}

func newSemaphore(max int) *semaphore {
	return &semaphore{ch: make(chan struct{}, max)}
}

func (s *semaphore) Acquire(ctx context.Context) error {
	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) Release() error {
	select {
	case <-s.ch:
		return nil
	default:
		return errors.New("audit: release without a matching acquire")
	}
}

// Publisher publishes an audit trail of every operation a map has issued
// or applied, best-effort: a bounded local queue plus a worker pool absorbs
// brief Kafka unavailability, and a full queue degrades by dropping the
// event rather than blocking the engine's local-op path.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan record

	sem *semaphore

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	onDropped func(objectID string, err error)
}

type record struct {
	ObjectID string          `json:"objectId"`
	Message  json.RawMessage `json:"message"`
}

// Options configures a Publisher. Zero values fall back to defaults, except
// MaxRetry: zero means each event gets a single send attempt and no retry.
type Options struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	MaxInFlight int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// OnDropped, if set, is called whenever an event is given up on: either
	// the retry budget is exhausted or the local queue was full. Optional —
	// a nil hook leaves the event's fate to the log line alone.
	OnDropped func(objectID string, err error)
}

func (o Options) withDefaults() Options {
	if o.QueueSize == 0 {
		o.QueueSize = 10_000
	}
	if o.Workers == 0 {
		o.Workers = 4
	}
	if o.MaxInFlight == 0 {
		o.MaxInFlight = 100
	}
	if o.BaseBackoff == 0 {
		o.BaseBackoff = 50 * time.Millisecond
	}
	if o.MaxBackoff == 0 {
		o.MaxBackoff = time.Second
	}
	return o
}

// NewPublisher starts the worker pool immediately. producer may be nil (a
// no-op publisher, useful for local development without a Kafka cluster).
func NewPublisher(producer sarama.SyncProducer, topic string, opt Options) *Publisher {
	opt = opt.withDefaults()
	p := &Publisher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan record, opt.QueueSize),
		sem:         newSemaphore(opt.MaxInFlight),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		onDropped:   opt.OnDropped,
	}
	p.start()
	return p
}

// Observe implements sharedmap.OperationObserver. It never blocks the
// caller: a full queue drops the event.
func (p *Publisher) Observe(objectID string, msg sharedmap.OutboundMessage) {
	b, err := json.Marshal(msg)
	if err != nil {
		log.Printf("audit: marshal failed for %s: %v", objectID, err)
		return
	}
	select {
	case p.queue <- record{ObjectID: objectID, Message: b}:
	default:
		log.Printf("audit: queue full, dropping event for %s", objectID)
		if p.onDropped != nil {
			p.onDropped(objectID, errQueueFull)
		}
	}
}

func (p *Publisher) start() {
	for i := 0; i < p.workers; i++ {
		go p.workerLoop(i)
	}
}

func (p *Publisher) workerLoop(workerID int) {
	for rec := range p.queue {
		p.sendWithRetry(workerID, rec)
	}
}

func (p *Publisher) sendWithRetry(workerID int, rec record) {
	for attempt := 0; attempt <= p.maxRetry; attempt++ {
		_ = p.sem.Acquire(context.Background())
		err := p.sendOnce(rec)
		_ = p.sem.Release()

		if err == nil {
			return
		}
		if attempt == p.maxRetry {
			log.Printf("audit: send failed, dropping event object=%s worker=%d err=%v", rec.ObjectID, workerID, err)
			if p.onDropped != nil {
				p.onDropped(rec.ObjectID, err)
			}
			return
		}
		// Jittered: several workers retrying the same outage would
		// otherwise all wake and hit Kafka on the exact same tick.
		backoff := p.baseBackoff * time.Duration(1<<attempt)
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
		backoff += time.Duration(rand.Int63n(int64(p.baseBackoff) + 1))
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (p *Publisher) sendOnce(rec record) error {
	if p.producer == nil || p.topic == "" {
		return nil
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(rec.ObjectID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = p.producer.SendMessage(msg)
	return err
}
