// Package amqptest provides an in-memory broker that satisfies the
// rabbitmq.Connection and rabbitmq.Channel interfaces.
//
// It routes direct, topic and fanout exchanges, tracks unacked deliveries
// per channel, confirms publishes, and dead-letters rejected deliveries
// through the queue's x-dead-letter-exchange argument. Drop and Restore
// simulate losing and regaining the broker.
package amqptest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/stockline/eventcore/contracts"
	"github.com/stockline/eventcore/internal/rabbitmq"
)

// ErrUnreachable is returned by Dial while the broker is dropped
var ErrUnreachable = errors.New("amqptest: broker unreachable")

// Published records a publish accepted by the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
}

// QueueStats counts settlements on a queue
type QueueStats struct {
	Acked    int
	Requeued int
	Rejected int
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type queue struct {
	name      string
	durable   bool
	args      amqp.Table
	ready     []message
	consumers map[string]*consumer
	stats     QueueStats
}

type binding struct {
	queue, exchange, key string
}

// Broker is an in-memory AMQP broker
type Broker struct {
	mu   sync.Mutex
	cond *sync.Cond

	exchanges map[string]string
	queues    map[string]*queue
	bindings  []binding
	conns     []*Conn
	log       []Published

	down          bool
	dials         int
	consumerSeq   int
	failPublishes int
	nackPublishes int
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	b := &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*queue),
	}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(ctx context.Context) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.down {
		return nil, ErrUnreachable
	}
	conn := &Conn{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// Drop closes every open connection with a connection-forced error and
// refuses new dials until Restore
func (b *Broker) Drop() {
	b.mu.Lock()
	b.down = true
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "broker dropped", Server: true, Recover: true})
	}
}

// Restore accepts dials again
func (b *Broker) Restore() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down = false
}

// FailPublishes makes the next n publishes fail with amqp.ErrClosed
func (b *Broker) FailPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failPublishes = n
}

// NackPublishes makes the broker negatively confirm the next n publishes
func (b *Broker) NackPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nackPublishes = n
}

// Dials returns the number of dial attempts
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Log returns every accepted publish in arrival order
func (b *Broker) Log() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.log...)
}

// Messages returns the ready (undelivered) messages of a queue
func (b *Broker) Messages(name string) []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]amqp.Publishing, 0, len(q.ready))
	for _, m := range q.ready {
		out = append(out, m.pub)
	}
	return out
}

// Stats returns settlement counts for a queue
func (b *Broker) Stats(name string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.stats
	}
	return QueueStats{}
}

// HasExchange reports whether an exchange was declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// Queue returns the arguments of a declared queue
func (b *Broker) Queue(name string) (amqp.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return nil, false
	}
	return q.args, true
}

// Bound reports whether queue is bound to exchange with key
func (b *Broker) Bound(queueName, exchange, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd == (binding{queueName, exchange, key}) {
			return true
		}
	}
	return false
}

// Publish injects a message as if a remote producer had published it
func (b *Broker) Publish(exchange, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routeLocked(exchange, key, msg)
}

func (b *Broker) routeLocked(exchange, key string, pub amqp.Publishing) error {
	if exchange == "" {
		q, ok := b.queues[key]
		if ok {
			b.enqueueLocked(q, message{exchange: exchange, routingKey: key, pub: pub})
		}
		b.log = append(b.log, Published{Exchange: exchange, RoutingKey: key, Publishing: pub})
		return nil
	}

	kind, ok := b.exchanges[exchange]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}
	b.log = append(b.log, Published{Exchange: exchange, RoutingKey: key, Publishing: pub})

	seen := map[string]bool{}
	for _, bd := range b.bindings {
		if bd.exchange != exchange || seen[bd.queue] {
			continue
		}
		if !routes(kind, bd.key, key) {
			continue
		}
		seen[bd.queue] = true
		if q, ok := b.queues[bd.queue]; ok {
			b.enqueueLocked(q, message{exchange: exchange, routingKey: key, pub: pub})
		}
	}
	return nil
}

func routes(kind, bindingKey, routingKey string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return contracts.MatchPattern(bindingKey, routingKey)
	default:
		return bindingKey == routingKey
	}
}

func (b *Broker) enqueueLocked(q *queue, m message) {
	q.ready = append(q.ready, m)
	b.cond.Broadcast()
}

func (b *Broker) deadLetterLocked(q *queue, m message) {
	dlx, _ := q.args["x-dead-letter-exchange"].(string)
	if dlx == "" {
		return
	}
	key := m.routingKey
	if k, ok := q.args["x-dead-letter-routing-key"].(string); ok && k != "" {
		key = k
	}
	headers := amqp.Table{}
	for k, v := range m.pub.Headers {
		headers[k] = v
	}
	headers["x-first-death-queue"] = q.name
	headers["x-first-death-reason"] = "rejected"
	pub := m.pub
	pub.Headers = headers
	_ = b.routeLocked(dlx, key, pub)
}

// Conn is an in-memory connection
type Conn struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

// Channel implements rabbitmq.Connection
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{broker: c.broker, conn: c, unacked: make(map[uint64]unacked)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// NotifyClose implements rabbitmq.Connection
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed implements rabbitmq.Connection
func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close implements rabbitmq.Connection
func (c *Conn) Close() error {
	c.broker.mu.Lock()
	for i, conn := range c.broker.conns {
		if conn == c {
			c.broker.conns = append(c.broker.conns[:i], c.broker.conns[i+1:]...)
			break
		}
	}
	c.broker.mu.Unlock()

	if !c.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

func (c *Conn) shutdown(cause *amqp.Error) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.closed = true
	channels := c.channels
	notify := c.notify
	c.channels = nil
	c.notify = nil
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(cause)
	}
	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	return true
}

type unacked struct {
	queue *queue
	msg   message
}

type consumer struct {
	tag     string
	out     chan amqp.Delivery
	stopped bool
}

// Channel is an in-memory channel
type Channel struct {
	broker *Broker
	conn   *Conn

	// guarded by broker.mu
	closed      bool
	confirming  bool
	publishSeq  uint64
	deliverySeq uint64
	unacked     map[uint64]unacked
	confirms    []chan amqp.Confirmation
	notify      []chan *amqp.Error
	consumers   []*consumer
	wg          sync.WaitGroup
}

// Confirm implements rabbitmq.Channel
func (ch *Channel) Confirm(noWait bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirming = true
	return nil
}

// NotifyPublish implements rabbitmq.Channel
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(confirm)
		return confirm
	}
	ch.confirms = append(ch.confirms, confirm)
	return confirm
}

// NotifyClose implements rabbitmq.Channel
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notify = append(ch.notify, c)
	return c
}

// PublishWithContext implements rabbitmq.Channel
func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if b.failPublishes > 0 {
		b.failPublishes--
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if err := b.routeLocked(exchange, key, msg); err != nil {
		b.mu.Unlock()
		return err
	}

	var confirms []chan amqp.Confirmation
	var confirmation amqp.Confirmation
	if ch.confirming {
		ch.publishSeq++
		ack := true
		if b.nackPublishes > 0 {
			b.nackPublishes--
			ack = false
		}
		confirmation = amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: ack}
		confirms = append(confirms, ch.confirms...)
	}
	b.mu.Unlock()

	for _, c := range confirms {
		c <- confirmation
	}
	return nil
}

// ExchangeDeclare implements rabbitmq.Channel
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if existing, ok := b.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'type' for exchange '" + name + "'"}
	}
	b.exchanges[name] = kind
	return nil
}

// QueueDeclare implements rabbitmq.Channel
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, durable: durable, args: args, consumers: make(map[string]*consumer)}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind implements rabbitmq.Channel
func (ch *Channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no exchange '" + exchange + "'"}
	}
	bd := binding{queue: name, exchange: exchange, key: key}
	for _, existing := range b.bindings {
		if existing == bd {
			return nil
		}
	}
	b.bindings = append(b.bindings, bd)
	return nil
}

// QueueUnbind implements rabbitmq.Channel
func (ch *Channel) QueueUnbind(name, key, exchange string, args amqp.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	bd := binding{queue: name, exchange: exchange, key: key}
	for i, existing := range b.bindings {
		if existing == bd {
			b.bindings = append(b.bindings[:i], b.bindings[i+1:]...)
			break
		}
	}
	return nil
}

// Qos implements rabbitmq.Channel
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	return nil
}

// Consume implements rabbitmq.Channel
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - no queue '" + queueName + "'"}
	}
	if tag == "" {
		b.consumerSeq++
		tag = fmt.Sprintf("ctag-%s-%d", queueName, b.consumerSeq)
	}
	if _, exists := q.consumers[tag]; exists {
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag '" + tag + "'"}
	}

	c := &consumer{tag: tag, out: make(chan amqp.Delivery)}
	q.consumers[tag] = c
	ch.consumers = append(ch.consumers, c)

	ch.wg.Add(1)
	go ch.pump(q, c)
	return c.out, nil
}

func (ch *Channel) pump(q *queue, c *consumer) {
	defer ch.wg.Done()
	defer close(c.out)

	b := ch.broker
	for {
		b.mu.Lock()
		for len(q.ready) == 0 && !c.stopped {
			b.cond.Wait()
		}
		if c.stopped {
			b.mu.Unlock()
			return
		}
		m := q.ready[0]
		q.ready = q.ready[1:]
		ch.deliverySeq++
		tag := ch.deliverySeq
		ch.unacked[tag] = unacked{queue: q, msg: m}
		d := ch.delivery(c.tag, tag, m)
		b.mu.Unlock()

		c.out <- d
	}
}

func (ch *Channel) delivery(consumerTag string, tag uint64, m message) amqp.Delivery {
	return amqp.Delivery{
		Acknowledger:    ch,
		Headers:         m.pub.Headers,
		ContentType:     m.pub.ContentType,
		ContentEncoding: m.pub.ContentEncoding,
		DeliveryMode:    m.pub.DeliveryMode,
		Priority:        m.pub.Priority,
		CorrelationId:   m.pub.CorrelationId,
		ReplyTo:         m.pub.ReplyTo,
		Expiration:      m.pub.Expiration,
		MessageId:       m.pub.MessageId,
		Timestamp:       m.pub.Timestamp,
		Type:            m.pub.Type,
		UserId:          m.pub.UserId,
		AppId:           m.pub.AppId,
		ConsumerTag:     consumerTag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.routingKey,
		Body:            m.pub.Body,
	}
}

// Cancel implements rabbitmq.Channel
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	for _, c := range ch.consumers {
		if c.tag == tag {
			ch.stopLocked(c)
		}
	}
	return nil
}

func (ch *Channel) stopLocked(c *consumer) {
	c.stopped = true
	for _, q := range ch.broker.queues {
		if q.consumers[c.tag] == c {
			delete(q.consumers, c.tag)
		}
	}
	ch.broker.cond.Broadcast()
}

// Close implements rabbitmq.Channel
func (ch *Channel) Close() error {
	if !ch.shutdown(nil) {
		return amqp.ErrClosed
	}
	return nil
}

// shutdown stops consumers and requeues unacked deliveries
func (ch *Channel) shutdown(cause *amqp.Error) bool {
	b := ch.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return false
	}
	ch.closed = true
	for _, c := range ch.consumers {
		ch.stopLocked(c)
	}
	consumers := ch.consumers
	ch.consumers = nil
	b.mu.Unlock()

	// Drain deliveries a pump is still trying to hand over.
	for _, c := range consumers {
		go func(c *consumer) {
			for range c.out {
			}
		}(c)
	}
	ch.wg.Wait()

	b.mu.Lock()
	for tag, u := range ch.unacked {
		u.msg.redelivered = true
		u.queue.ready = append([]message{u.msg}, u.queue.ready...)
		delete(ch.unacked, tag)
	}
	b.cond.Broadcast()
	notify := ch.notify
	confirms := ch.confirms
	ch.notify = nil
	ch.confirms = nil
	b.mu.Unlock()

	for _, n := range notify {
		if cause != nil {
			n <- cause
		}
		close(n)
	}
	for _, c := range confirms {
		close(c)
	}
	return true
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, func(u unacked) {
		u.queue.stats.Acked++
	})
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, func(u unacked) {
		ch.reject(u, requeue)
	})
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.Nack(tag, false, requeue)
}

func (ch *Channel) reject(u unacked, requeue bool) {
	if requeue {
		u.queue.stats.Requeued++
		u.msg.redelivered = true
		ch.broker.enqueueLocked(u.queue, u.msg)
		return
	}
	u.queue.stats.Rejected++
	ch.broker.deadLetterLocked(u.queue, u.msg)
}

func (ch *Channel) settle(tag uint64, fn func(unacked)) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	u, ok := ch.unacked[tag]
	if !ok {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - unknown delivery tag"}
	}
	delete(ch.unacked, tag)
	fn(u)
	return nil
}
