package rabbitmq

// Interfaces for the parts of the AMQP client this package uses, and adapters
// for the real amqp091 client. The in-memory implementation lives in
// rabbitmqtest.

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Values we use for the amqp client.
// See https://www.rabbitmq.com/amqp-0-9-1-reference.html.
const (
	// Many methods take a "no-wait" parameter. We always wait for the
	// broker's reply so failures surface on the call that caused them.
	wait = false

	// Exchanges and queues survive a broker restart.
	durable = true

	// Unroutable messages are dropped by the broker rather than returned.
	mandatory = false
	immediate = false
)

// Connection is the subset of *amqp.Connection used by this package.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

// Channel is the subset of *amqp.Channel used by this package, with the
// option arguments fixed to the values above.
type Channel interface {
	ExchangeDeclare(name string) error
	ExchangeDelete(name string) error
	QueueDeclare(name string) (amqp.Queue, error)
	QueueInspect(name string) (amqp.Queue, error)
	QueueBind(queue, key, exchange string) error
	QueueUnbind(queue, key, exchange string) error
	QueueDelete(name string) (int, error)
	Qos(prefetchCount int) error
	Consume(queue, consumer string) (<-chan amqp.Delivery, error)
	Cancel(consumer string) error
	PublishWithContext(ctx context.Context, exchange, key string, msg amqp.Publishing) error
	NotifyClose(chan *amqp.Error) chan *amqp.Error
	NotifyFlow(chan bool) chan bool
	IsClosed() bool
	Close() error
}

// Dialer opens a broker connection
type Dialer func(url string, config amqp.Config) (Connection, error)

// DialAMQP is the default Dialer, backed by amqp091
func DialAMQP(url string, config amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, config)
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn}, nil
}

// connection adapts an *amqp.Connection to the Connection interface.
type connection struct {
	conn *amqp.Connection
}

func (c *connection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return &channel{ch: ch}, nil
}

func (c *connection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return c.conn.NotifyClose(receiver)
}

func (c *connection) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	return c.conn.NotifyBlocked(receiver)
}

func (c *connection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *connection) Close() error {
	return c.conn.Close()
}

// channel adapts an *amqp.Channel to the Channel interface.
type channel struct {
	ch *amqp.Channel
}

func (ch *channel) ExchangeDeclare(name string) error {
	return ch.ch.ExchangeDeclare(name,
		amqp.ExchangeDirect,
		durable,
		false, // delete when unused
		false, // internal
		wait,
		nil) // args
}

func (ch *channel) ExchangeDelete(name string) error {
	return ch.ch.ExchangeDelete(name, false, wait)
}

func (ch *channel) QueueDeclare(name string) (amqp.Queue, error) {
	return ch.ch.QueueDeclare(name,
		durable,
		false, // delete when unused
		false, // exclusive
		wait,
		nil) // args
}

// QueueInspect declares the queue passively, which reports its message and
// consumer counts without creating it.
func (ch *channel) QueueInspect(name string) (amqp.Queue, error) {
	return ch.ch.QueueDeclarePassive(name,
		durable,
		false, // delete when unused
		false, // exclusive
		wait,
		nil) // args
}

func (ch *channel) QueueBind(queue, key, exchange string) error {
	return ch.ch.QueueBind(queue, key, exchange, wait, nil)
}

func (ch *channel) QueueUnbind(queue, key, exchange string) error {
	return ch.ch.QueueUnbind(queue, key, exchange, nil)
}

func (ch *channel) QueueDelete(name string) (int, error) {
	return ch.ch.QueueDelete(name,
		false, // if unused
		false, // if empty
		wait)
}

func (ch *channel) Qos(prefetchCount int) error {
	return ch.ch.Qos(prefetchCount, 0, false)
}

func (ch *channel) Consume(queue, consumer string) (<-chan amqp.Delivery, error) {
	return ch.ch.Consume(queue, consumer,
		false, // autoAck
		false, // exclusive
		false, // noLocal
		wait,
		nil) // args
}

func (ch *channel) Cancel(consumer string) error {
	return ch.ch.Cancel(consumer, wait)
}

func (ch *channel) PublishWithContext(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	return ch.ch.PublishWithContext(ctx, exchange, key, mandatory, immediate, msg)
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	return ch.ch.NotifyClose(receiver)
}

func (ch *channel) NotifyFlow(receiver chan bool) chan bool {
	return ch.ch.NotifyFlow(receiver)
}

func (ch *channel) IsClosed() bool {
	return ch.ch.IsClosed()
}

func (ch *channel) Close() error {
	return ch.ch.Close()
}
