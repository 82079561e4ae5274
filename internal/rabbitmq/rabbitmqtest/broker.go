// Package rabbitmqtest provides an in-memory AMQP broker implementing the
// rabbitmq.Connection and rabbitmq.Channel interfaces.
//
// It models what the relay relies on: direct exchanges and the default
// exchange, durable queues with multiple bindings, consumers with manual
// acknowledgement and prefetch, channel exceptions that close the channel,
// and flow control notifications. Delivery is asynchronous, so tests should
// wait with require.Eventually.
package rabbitmqtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/glimte/mmate-relay/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const pollInterval = 2 * time.Millisecond

// Published records one message accepted by the broker
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Broker is an in-memory broker. The zero value is not usable; call NewBroker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]bool
	queues    map[string]*queue
	bindings  map[string]map[binding]bool // exchange -> bindings
	conns     []*Connection
	published []Published

	dialErr       error
	failures      map[string][]error
	zeroConsumers bool
	lastConfig    amqp.Config
	dials         int
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name      string
	messages  []*message
	consumers map[string]*consumer
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

// NewBroker creates an empty broker
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]bool{"": true},
		queues:    make(map[string]*queue),
		bindings:  make(map[string]map[binding]bool),
		failures:  make(map[string][]error),
	}
}

// Dial implements rabbitmq.Dialer
func (b *Broker) Dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	b.lastConfig = cfg
	if b.dialErr != nil {
		return nil, b.dialErr
	}

	conn := &Connection{broker: b}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// SetDialError makes every later Dial fail with err. A nil err restores
// normal dialing.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// FailNext makes the next call of op fail with err. Ops are named after the
// Channel and Connection methods ("QueueBind", "Close", "Channel", ...) with
// "Publish" for PublishWithContext and "ConnectionClose" for Connection.Close.
// An *amqp.Error also closes the channel, as a broker channel exception does.
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// ReportZeroConsumers makes QueueInspect report no consumers
func (b *Broker) ReportZeroConsumers(zero bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.zeroConsumers = zero
}

func (b *Broker) takeFailure(op string) error {
	errs := b.failures[op]
	if len(errs) == 0 {
		return nil
	}
	b.failures[op] = errs[1:]
	return errs[0]
}

// Dials returns how many times Dial was called
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// LastConfig returns the config passed to the last Dial
func (b *Broker) LastConfig() amqp.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastConfig
}

// HasExchange reports whether the exchange exists
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name]
}

// HasQueue reports whether the queue exists
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueMessages returns the number of ready messages in the queue
func (b *Broker) QueueMessages(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.messages)
	}
	return 0
}

// Consumers returns the number of consumers on the queue
func (b *Broker) Consumers(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// Unacked returns the number of delivered but unsettled messages from the queue
func (b *Broker) Unacked(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			for _, u := range ch.unacked {
				if u.queue == name {
					n++
				}
			}
		}
	}
	return n
}

// Bindings returns the routing keys binding the queue to the exchange, sorted
func (b *Broker) Bindings(exchange, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var keys []string
	for bd := range b.bindings[exchange] {
		if bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Published returns every message accepted so far
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// OpenConnections returns the number of open connections
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, conn := range b.conns {
		if !conn.closed {
			n++
		}
	}
	return n
}

// OpenChannels returns the number of open channels across all connections
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			if !ch.closed {
				n++
			}
		}
	}
	return n
}

// Inject places a message directly on a queue, bypassing exchanges
func (b *Broker) Inject(queueName string, pub amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("no queue %q", queueName)
	}
	q.messages = append(q.messages, &message{routingKey: queueName, pub: pub})
	return nil
}

// Block sends connection.blocked to every open connection
func (b *Broker) Block(reason string) {
	b.notifyBlocked(amqp.Blocking{Active: true, Reason: reason})
}

// Unblock sends connection.unblocked to every open connection
func (b *Broker) Unblock() {
	b.notifyBlocked(amqp.Blocking{Active: false})
}

func (b *Broker) notifyBlocked(blocking amqp.Blocking) {
	b.mu.Lock()
	var receivers []chan amqp.Blocking
	for _, conn := range b.conns {
		if !conn.closed {
			receivers = append(receivers, conn.blockedNotifiers...)
		}
	}
	b.mu.Unlock()

	for _, r := range receivers {
		r <- blocking
	}
}

// SetFlow sends channel.flow to every open channel
func (b *Broker) SetFlow(active bool) {
	b.mu.Lock()
	var receivers []chan bool
	for _, conn := range b.conns {
		for _, ch := range conn.channels {
			if !ch.closed {
				receivers = append(receivers, ch.flowNotifiers...)
			}
		}
	}
	b.mu.Unlock()

	for _, r := range receivers {
		r <- active
	}
}

// DropConnections closes every open connection from the broker side
func (b *Broker) DropConnections(err *amqp.Error) {
	b.mu.Lock()
	conns := append([]*Connection(nil), b.conns...)
	b.mu.Unlock()

	for _, conn := range conns {
		conn.shutdown(err)
	}
}

// CloseConsumerChannels closes, with err, every channel consuming from the queue
func (b *Broker) CloseConsumerChannels(queueName string, err *amqp.Error) {
	b.mu.Lock()
	var chans []*Channel
	if q, ok := b.queues[queueName]; ok {
		for _, c := range q.consumers {
			chans = append(chans, c.ch)
		}
	}
	b.mu.Unlock()

	for _, ch := range chans {
		ch.shutdown(err)
	}
}

// route delivers a copy of the message to every queue bound with the key.
// The caller holds b.mu.
func (b *Broker) route(exchange, key string, pub amqp.Publishing) {
	targets := map[string]bool{}
	if exchange == "" {
		if _, ok := b.queues[key]; ok {
			targets[key] = true
		}
	}
	for bd := range b.bindings[exchange] {
		if bd.key == key {
			targets[bd.queue] = true
		}
	}

	for name := range targets {
		q := b.queues[name]
		body := append([]byte(nil), pub.Body...)
		msg := pub
		msg.Body = body
		q.messages = append(q.messages, &message{exchange: exchange, routingKey: key, pub: msg})
	}
}

func notFound(format string, args ...any) *amqp.Error {
	return &amqp.Error{Code: amqp.NotFound, Reason: "NOT_FOUND - " + fmt.Sprintf(format, args...), Server: true}
}

// Connection is an in-memory rabbitmq.Connection
type Connection struct {
	broker           *Broker
	channels         []*Channel
	closeNotifiers   []chan *amqp.Error
	blockedNotifiers []chan amqp.Blocking
	closed           bool
}

func (c *Connection) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.takeFailure("Channel"); err != nil {
		return nil, err
	}

	ch := &Channel{conn: c, consumers: make(map[string]*consumer), unacked: make(map[uint64]*unacked)}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotifiers = append(c.closeNotifiers, receiver)
	return receiver
}

func (c *Connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.blockedNotifiers = append(c.blockedNotifiers, receiver)
	return receiver
}

func (c *Connection) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

func (c *Connection) Close() error {
	c.broker.mu.Lock()
	if c.closed {
		c.broker.mu.Unlock()
		return amqp.ErrClosed
	}
	failure := c.broker.takeFailure("ConnectionClose")
	c.broker.mu.Unlock()

	c.shutdown(nil)
	return failure
}

// shutdown closes every channel, then the connection. A nil err is a
// graceful close.
func (c *Connection) shutdown(err *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	chans := append([]*Channel(nil), c.channels...)
	b.mu.Unlock()

	for _, ch := range chans {
		ch.shutdown(err)
	}

	b.mu.Lock()
	c.closed = true
	closeNotifiers := c.closeNotifiers
	blockedNotifiers := c.blockedNotifiers
	c.closeNotifiers = nil
	c.blockedNotifiers = nil
	b.mu.Unlock()

	for _, r := range blockedNotifiers {
		close(r)
	}
	notifyClose(closeNotifiers, err)
}

func notifyClose(receivers []chan *amqp.Error, err *amqp.Error) {
	for _, r := range receivers {
		go func(r chan *amqp.Error) {
			if err != nil {
				r <- err
			}
			close(r)
		}(r)
	}
}

// Channel is an in-memory rabbitmq.Channel. It also implements
// amqp.Acknowledger for the deliveries it hands out.
type Channel struct {
	conn           *Connection
	prefetch       int
	nextTag        uint64
	consumers      map[string]*consumer
	unacked        map[uint64]*unacked
	closeNotifiers []chan *amqp.Error
	flowNotifiers  []chan bool
	closed         bool
}

type unacked struct {
	queue string
	msg   *message
}

type consumer struct {
	tag        string
	queue      string
	ch         *Channel
	deliveries chan amqp.Delivery
	stop       chan struct{}
	stopOnce   sync.Once
}

func (c *consumer) cancel() {
	c.stopOnce.Do(func() { close(c.stop) })
}

// begin locks the broker and checks the channel is usable for op. On
// success the caller must unlock b.mu.
func (ch *Channel) begin(op string) error {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	if err := b.takeFailure(op); err != nil {
		b.mu.Unlock()
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) {
			ch.shutdown(amqpErr)
		}
		return err
	}
	return nil
}

// exception closes the channel with err after the caller released b.mu and
// returns err
func (ch *Channel) exception(err *amqp.Error) error {
	ch.shutdown(err)
	return err
}

func (ch *Channel) ExchangeDeclare(name string) error {
	if err := ch.begin("ExchangeDeclare"); err != nil {
		return err
	}
	b := ch.conn.broker
	b.exchanges[name] = true
	b.mu.Unlock()
	return nil
}

func (ch *Channel) ExchangeDelete(name string) error {
	if err := ch.begin("ExchangeDelete"); err != nil {
		return err
	}
	b := ch.conn.broker
	if name != "" {
		delete(b.exchanges, name)
		delete(b.bindings, name)
	}
	b.mu.Unlock()
	return nil
}

func (ch *Channel) QueueDeclare(name string) (amqp.Queue, error) {
	if err := ch.begin("QueueDeclare"); err != nil {
		return amqp.Queue{}, err
	}
	b := ch.conn.broker
	q, ok := b.queues[name]
	if !ok {
		q = &queue{name: name, consumers: make(map[string]*consumer)}
		b.queues[name] = q
	}
	info := amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}
	b.mu.Unlock()
	return info, nil
}

func (ch *Channel) QueueInspect(name string) (amqp.Queue, error) {
	if err := ch.begin("QueueInspect"); err != nil {
		return amqp.Queue{}, err
	}
	b := ch.conn.broker
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return amqp.Queue{}, ch.exception(notFound("no queue '%s' in vhost '/'", name))
	}
	info := amqp.Queue{Name: name, Messages: len(q.messages), Consumers: len(q.consumers)}
	if b.zeroConsumers {
		info.Consumers = 0
	}
	b.mu.Unlock()
	return info, nil
}

func (ch *Channel) QueueBind(queueName, key, exchange string) error {
	if err := ch.begin("QueueBind"); err != nil {
		return err
	}
	b := ch.conn.broker
	if _, ok := b.queues[queueName]; !ok {
		b.mu.Unlock()
		return ch.exception(notFound("no queue '%s' in vhost '/'", queueName))
	}
	if !b.exchanges[exchange] {
		b.mu.Unlock()
		return ch.exception(notFound("no exchange '%s' in vhost '/'", exchange))
	}
	if b.bindings[exchange] == nil {
		b.bindings[exchange] = make(map[binding]bool)
	}
	b.bindings[exchange][binding{queue: queueName, key: key}] = true
	b.mu.Unlock()
	return nil
}

// QueueUnbind removes a binding. Like RabbitMQ, removing a binding that does
// not exist succeeds while a missing queue or exchange is a 404.
func (ch *Channel) QueueUnbind(queueName, key, exchange string) error {
	if err := ch.begin("QueueUnbind"); err != nil {
		return err
	}
	b := ch.conn.broker
	if _, ok := b.queues[queueName]; !ok {
		b.mu.Unlock()
		return ch.exception(notFound("no queue '%s' in vhost '/'", queueName))
	}
	if !b.exchanges[exchange] {
		b.mu.Unlock()
		return ch.exception(notFound("no exchange '%s' in vhost '/'", exchange))
	}
	delete(b.bindings[exchange], binding{queue: queueName, key: key})
	b.mu.Unlock()
	return nil
}

// QueueDelete removes the queue, its bindings and its consumers. Deleting a
// missing queue succeeds.
func (ch *Channel) QueueDelete(name string) (int, error) {
	if err := ch.begin("QueueDelete"); err != nil {
		return 0, err
	}
	b := ch.conn.broker
	q, ok := b.queues[name]
	if !ok {
		b.mu.Unlock()
		return 0, nil
	}
	purged := len(q.messages)
	delete(b.queues, name)
	for _, bindings := range b.bindings {
		for bd := range bindings {
			if bd.queue == name {
				delete(bindings, bd)
			}
		}
	}
	for _, c := range q.consumers {
		delete(c.ch.consumers, c.tag)
		c.cancel()
	}
	b.mu.Unlock()
	return purged, nil
}

func (ch *Channel) Qos(prefetchCount int) error {
	if err := ch.begin("Qos"); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	ch.conn.broker.mu.Unlock()
	return nil
}

func (ch *Channel) Consume(queueName, tag string) (<-chan amqp.Delivery, error) {
	if err := ch.begin("Consume"); err != nil {
		return nil, err
	}
	b := ch.conn.broker
	q, ok := b.queues[queueName]
	if !ok {
		b.mu.Unlock()
		return nil, ch.exception(notFound("no queue '%s' in vhost '/'", queueName))
	}
	if _, dup := ch.consumers[tag]; dup {
		b.mu.Unlock()
		return nil, &amqp.Error{Code: amqp.NotAllowed, Reason: "NOT_ALLOWED - attempt to reuse consumer tag", Server: true}
	}

	c := &consumer{
		tag:        tag,
		queue:      queueName,
		ch:         ch,
		deliveries: make(chan amqp.Delivery),
		stop:       make(chan struct{}),
	}
	ch.consumers[tag] = c
	q.consumers[tag] = c
	b.mu.Unlock()

	go c.run()
	return c.deliveries, nil
}

func (ch *Channel) Cancel(tag string) error {
	if err := ch.begin("Cancel"); err != nil {
		return err
	}
	b := ch.conn.broker
	if c, ok := ch.consumers[tag]; ok {
		delete(ch.consumers, tag)
		if q, ok := b.queues[c.queue]; ok {
			delete(q.consumers, tag)
		}
		c.cancel()
	}
	b.mu.Unlock()
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ch.begin("Publish"); err != nil {
		return err
	}
	b := ch.conn.broker
	if !b.exchanges[exchange] {
		b.mu.Unlock()
		// The broker answers an unknown exchange asynchronously; the
		// publish call itself succeeds.
		ch.shutdown(notFound("no exchange '%s' in vhost '/'", exchange))
		return nil
	}
	b.published = append(b.published, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	b.route(exchange, key, msg)
	b.mu.Unlock()
	return nil
}

func (ch *Channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closeNotifiers = append(ch.closeNotifiers, receiver)
	return receiver
}

func (ch *Channel) NotifyFlow(receiver chan bool) chan bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.flowNotifiers = append(ch.flowNotifiers, receiver)
	return receiver
}

func (ch *Channel) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

func (ch *Channel) Close() error {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}
	failure := b.takeFailure("Close")
	b.mu.Unlock()

	ch.shutdown(nil)
	return failure
}

// shutdown closes the channel: consumers stop, unacked messages return to
// the front of their queues marked redelivered, and listeners are notified.
func (ch *Channel) shutdown(err *amqp.Error) {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return
	}
	ch.closed = true

	for tag, c := range ch.consumers {
		if q, ok := b.queues[c.queue]; ok {
			delete(q.consumers, tag)
		}
		c.cancel()
	}
	ch.consumers = map[string]*consumer{}

	tags := make([]uint64, 0, len(ch.unacked))
	for tag := range ch.unacked {
		tags = append(tags, tag)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	for _, tag := range tags {
		b.requeue(ch.unacked[tag])
	}
	ch.unacked = map[uint64]*unacked{}

	closeNotifiers := ch.closeNotifiers
	flowNotifiers := ch.flowNotifiers
	ch.closeNotifiers = nil
	ch.flowNotifiers = nil
	b.mu.Unlock()

	for _, r := range flowNotifiers {
		close(r)
	}
	notifyClose(closeNotifiers, err)
}

// requeue puts a message back at the head of its queue. The caller holds b.mu.
func (b *Broker) requeue(u *unacked) {
	q, ok := b.queues[u.queue]
	if !ok {
		return
	}
	u.msg.redelivered = true
	q.messages = append([]*message{u.msg}, q.messages...)
}

// Ack implements amqp.Acknowledger
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, false)
}

// Nack implements amqp.Acknowledger
func (ch *Channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, multiple, requeue)
}

// Reject implements amqp.Acknowledger
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, requeue)
}

func (ch *Channel) settle(tag uint64, multiple, requeue bool) error {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return amqp.ErrClosed
	}

	var tags []uint64
	if multiple {
		for t := range ch.unacked {
			if t <= tag {
				tags = append(tags, t)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] > tags[j] })
	} else {
		if _, ok := ch.unacked[tag]; !ok {
			b.mu.Unlock()
			return ch.exception(&amqp.Error{
				Code:   amqp.PreconditionFailed,
				Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag),
				Server: true,
			})
		}
		tags = []uint64{tag}
	}

	for _, t := range tags {
		if requeue {
			b.requeue(ch.unacked[t])
		}
		delete(ch.unacked, t)
	}
	b.mu.Unlock()
	return nil
}

// run moves messages from the queue to the consumer while the channel's
// prefetch window allows
func (c *consumer) run() {
	defer close(c.deliveries)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		for {
			d, ok := c.next()
			if !ok {
				break
			}
			select {
			case c.deliveries <- d:
			case <-c.stop:
				c.ch.putBack(d.DeliveryTag)
				return
			}
		}
	}
}

// next takes the head of the queue and records it as unacked
func (c *consumer) next() (amqp.Delivery, bool) {
	ch := c.ch
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-c.stop:
		return amqp.Delivery{}, false
	default:
	}

	q, ok := b.queues[c.queue]
	if ch.closed || !ok || len(q.messages) == 0 {
		return amqp.Delivery{}, false
	}
	if ch.prefetch > 0 && len(ch.unacked) >= ch.prefetch {
		return amqp.Delivery{}, false
	}

	msg := q.messages[0]
	q.messages = q.messages[1:]
	ch.nextTag++
	ch.unacked[ch.nextTag] = &unacked{queue: c.queue, msg: msg}

	return amqp.Delivery{
		Acknowledger: ch,
		ContentType:  msg.pub.ContentType,
		DeliveryMode: msg.pub.DeliveryMode,
		MessageId:    msg.pub.MessageId,
		Timestamp:    msg.pub.Timestamp,
		Type:         msg.pub.Type,
		ConsumerTag:  c.tag,
		DeliveryTag:  ch.nextTag,
		Redelivered:  msg.redelivered,
		Exchange:     msg.exchange,
		RoutingKey:   msg.routingKey,
		Body:         msg.pub.Body,
	}, true
}

// putBack requeues a delivery that was taken but never handed out
func (ch *Channel) putBack(tag uint64) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	u, ok := ch.unacked[tag]
	if !ok {
		return
	}
	delete(ch.unacked, tag)
	u.msg.redelivered = false
	q, ok := b.queues[u.queue]
	if ok {
		q.messages = append([]*message{u.msg}, q.messages...)
	}
}
