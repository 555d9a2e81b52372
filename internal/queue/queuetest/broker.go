// Package queuetest provides an in-memory broker that stands in for RabbitMQ
// in worker and queue tests.
package queuetest

import (
	"context"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DelayedPublish records one PublishDelayed call
type DelayedPublish struct {
	Queue string
	Delay time.Duration
}

type consumer struct {
	queue    string
	prefetch int
	inflight int
	out      chan amqp.Delivery
	closed   bool
}

type unacked struct {
	consumer *consumer
	body     []byte
}

// Broker is an in-memory message broker with per-consumer prefetch and
// manual acknowledgements. It implements queue.Publisher and the worker's
// delivery source.
type Broker struct {
	mu         sync.Mutex
	pending    map[string][][]byte
	consumers  map[string][]*consumer
	unacked    map[uint64]unacked
	nextTag    uint64
	published  map[string]int
	delayed    []DelayedPublish
	dead       [][]byte
	publishErr error
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		pending:   make(map[string][][]byte),
		consumers: make(map[string][]*consumer),
		unacked:   make(map[uint64]unacked),
		published: make(map[string]int),
	}
}

// FailPublish makes every later publish return err; nil restores publishing
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// Publish appends a message to the queue
func (b *Broker) Publish(_ context.Context, queueName string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.publishErr != nil {
		return b.publishErr
	}

	b.published[queueName]++
	b.pending[queueName] = append(b.pending[queueName], body)
	b.pump(queueName)
	return nil
}

// PublishDelayed appends the message once delay has elapsed
func (b *Broker) PublishDelayed(ctx context.Context, queueName string, body []byte, delay time.Duration) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.delayed = append(b.delayed, DelayedPublish{Queue: queueName, Delay: delay})
	b.mu.Unlock()

	time.AfterFunc(delay, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.pending[queueName] = append(b.pending[queueName], body)
		b.pump(queueName)
	})
	return nil
}

// Consume registers a manual-ack consumer. Canceling ctx closes the returned
// channel; deliveries already handed out stay unacked until acked or nacked.
func (b *Broker) Consume(ctx context.Context, queueName, _ string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch < 1 {
		return nil, fmt.Errorf("prefetch must be positive")
	}

	c := &consumer{
		queue:    queueName,
		prefetch: prefetch,
		out:      make(chan amqp.Delivery, prefetch),
	}

	b.mu.Lock()
	b.consumers[queueName] = append(b.consumers[queueName], c)
	b.pump(queueName)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		c.closed = true
		close(c.out)

		remaining := b.consumers[queueName][:0]
		for _, other := range b.consumers[queueName] {
			if other != c {
				remaining = append(remaining, other)
			}
		}
		b.consumers[queueName] = remaining
	}()

	return c.out, nil
}

// pump hands pending messages to consumers with free prefetch slots. Callers hold mu.
func (b *Broker) pump(queueName string) {
	for len(b.pending[queueName]) > 0 {
		var target *consumer
		for _, c := range b.consumers[queueName] {
			if !c.closed && c.inflight < c.prefetch {
				if target == nil || c.inflight < target.inflight {
					target = c
				}
			}
		}
		if target == nil {
			return
		}

		body := b.pending[queueName][0]
		b.pending[queueName] = b.pending[queueName][1:]

		b.nextTag++
		tag := b.nextTag
		b.unacked[tag] = unacked{consumer: target, body: body}
		target.inflight++

		target.out <- amqp.Delivery{
			Acknowledger: b,
			DeliveryTag:  tag,
			RoutingKey:   queueName,
			ContentType:  "application/json",
			Body:         body,
		}
	}
}

// Ack implements amqp.Acknowledger
func (b *Broker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.settle(tag)
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}
	b.pump(u.consumer.queue)
	return nil
}

// Nack implements amqp.Acknowledger
func (b *Broker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := b.settle(tag)
	if !ok {
		return fmt.Errorf("unknown delivery tag %d", tag)
	}

	queueName := u.consumer.queue
	if requeue {
		b.pending[queueName] = append([][]byte{u.body}, b.pending[queueName]...)
	} else {
		b.dead = append(b.dead, u.body)
	}
	b.pump(queueName)
	return nil
}

// Reject implements amqp.Acknowledger
func (b *Broker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

func (b *Broker) settle(tag uint64) (unacked, bool) {
	u, ok := b.unacked[tag]
	if !ok {
		return unacked{}, false
	}
	delete(b.unacked, tag)
	u.consumer.inflight--
	return u, true
}

// Published returns how many messages were published directly to the queue
func (b *Broker) Published(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[queueName]
}

// Delayed returns every delayed publish in call order
func (b *Broker) Delayed() []DelayedPublish {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]DelayedPublish(nil), b.delayed...)
}

// Pending returns the number of messages waiting for a consumer
func (b *Broker) Pending(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[queueName])
}

// Unacked returns the number of delivered but unsettled messages
func (b *Broker) Unacked() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.unacked)
}

// DeadLettered returns the bodies nacked without requeue
func (b *Broker) DeadLettered() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][]byte(nil), b.dead...)
}
