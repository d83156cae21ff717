// Package brokertest provides an in-memory broker that records every driver
// call, for testing code written against package broker.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/glimte/mbus-go/broker"
)

// ErrNotFound is returned by passive declares of unknown entities
var ErrNotFound = errors.New("brokertest: NOT_FOUND")

// Op names a recorded driver call
type Op string

const (
	OpOpenChannel            Op = "openChannel"
	OpCloseChannel           Op = "closeChannel"
	OpDeclareExchange        Op = "declareExchange"
	OpDeclareQueue           Op = "declareQueue"
	OpDeleteQueue            Op = "deleteQueue"
	OpBindExchange           Op = "bindExchange"
	OpBindQueue              Op = "bindQueue"
	OpDeclareExchangePassive Op = "declareExchangePassive"
	OpDeclareQueuePassive    Op = "declareQueuePassive"
	OpPublish                Op = "publish"
	OpConsume                Op = "consume"
	OpCancel                 Op = "cancel"
)

// Call is one recorded driver call
type Call struct {
	Op         Op
	Channel    int
	Name       string // exchange or queue the call targets
	Source     string // bound-to exchange, or the exchange published to
	Kind       string
	RoutingKey string
	Durable    bool
	Args       broker.Table
	Publishing broker.Publishing
}

type failure struct {
	op   Op
	name string
}

type binding struct {
	destination string
	source      string
	routingKey  string
}

// Broker is an in-memory broker. The zero value is not usable; use New.
type Broker struct {
	// ClosePassiveFailures closes the channel when a passive declare fails,
	// as RabbitMQ does. Defaults to true.
	ClosePassiveFailures bool

	mu          sync.Mutex
	calls       []Call
	exchanges   map[string]string
	queues      map[string]broker.Table
	bindings    []binding
	failures    map[failure]error
	noAck       map[string]bool
	channelErr  error
	connClosed  bool
	nextChannel int
	open        map[int]*Channel
	consumers   map[string][]*consumer
	acks        []uint64
	nacks       []uint64
	nextTag     uint64
}

type consumer struct {
	tag     string
	channel *Channel
	ch      chan broker.Delivery
}

// New creates an empty broker
func New() *Broker {
	return &Broker{
		ClosePassiveFailures: true,
		exchanges:            make(map[string]string),
		queues:               make(map[string]broker.Table),
		failures:             make(map[failure]error),
		noAck:                make(map[string]bool),
		open:                 make(map[int]*Channel),
		consumers:            make(map[string][]*consumer),
	}
}

// Connection returns a connection to the broker
func (b *Broker) Connection() *Connection {
	return &Connection{broker: b}
}

// FailOn makes every op call targeting name return err. An empty name matches any target.
func (b *Broker) FailOn(op Op, name string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[failure{op: op, name: name}] = err
}

// FailChannels makes opening channels fail with err; nil clears it
func (b *Broker) FailChannels(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channelErr = err
}

// WithoutDeleteAck makes deletes of queue name return no acknowledgement
func (b *Broker) WithoutDeleteAck(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.noAck[name] = true
}

// AddExchange pre-declares an exchange without recording a call
func (b *Broker) AddExchange(name, kind string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
}

// AddQueue pre-declares a queue without recording a call
func (b *Broker) AddQueue(name string, args broker.Table) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queues[name] = args
}

// Calls returns every recorded call in order
func (b *Broker) Calls() []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Call(nil), b.calls...)
}

// CallsOf returns the recorded calls of the given ops, in order
func (b *Broker) CallsOf(ops ...Op) []Call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Call
	for _, c := range b.calls {
		for _, op := range ops {
			if c.Op == op {
				out = append(out, c)
				break
			}
		}
	}
	return out
}

// ResetCalls forgets the recorded calls but keeps the declared entities
func (b *Broker) ResetCalls() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.calls = nil
}

// HasExchange reports whether the exchange is declared
func (b *Broker) HasExchange(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.exchanges[name]
	return ok
}

// QueueArgs returns a declared queue's arguments
func (b *Broker) QueueArgs(name string) (broker.Table, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	args, ok := b.queues[name]
	return args, ok
}

// IsBound reports whether destination is bound to source with routingKey
func (b *Broker) IsBound(destination, source, routingKey string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, bd := range b.bindings {
		if bd == (binding{destination, source, routingKey}) {
			return true
		}
	}
	return false
}

// OpenChannels returns how many channels are currently open
func (b *Broker) OpenChannels() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.open)
}

// Deliver pushes a delivery to the first consumer of queue. It reports false
// when nobody consumes the queue.
func (b *Broker) Deliver(queue string, d broker.Delivery) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	consumers := b.consumers[queue]
	if len(consumers) == 0 {
		return false
	}
	c := consumers[0]
	b.nextTag++
	d.DeliveryTag = b.nextTag
	d.Acknowledger = c.channel

	select {
	case c.ch <- d:
		return true
	default:
		return false
	}
}

// Acks returns the acknowledged delivery tags
func (b *Broker) Acks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.acks...)
}

// Nacks returns the rejected delivery tags
func (b *Broker) Nacks() []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]uint64(nil), b.nacks...)
}

// record stores the call and returns the injected failure for it, if any.
// Callers hold b.mu.
func (b *Broker) record(c Call) error {
	b.calls = append(b.calls, c)
	if err, ok := b.failures[failure{op: c.Op, name: c.Name}]; ok {
		return err
	}
	if err, ok := b.failures[failure{op: c.Op}]; ok {
		return err
	}
	return nil
}

// Connection is a connection to a Broker
type Connection struct {
	broker *Broker
}

var _ broker.Connection = (*Connection)(nil)

// Channel opens a channel
func (c *Connection) Channel() (broker.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.connClosed {
		return nil, broker.ErrConnectionClosed
	}
	if b.channelErr != nil {
		return nil, b.channelErr
	}

	b.nextChannel++
	ch := &Channel{broker: b, id: b.nextChannel, open: true}
	b.open[ch.id] = ch
	b.calls = append(b.calls, Call{Op: OpOpenChannel, Channel: ch.id})
	return ch, nil
}

// IsOpen reports whether the connection is open
func (c *Connection) IsOpen() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return !c.broker.connClosed
}

// Close closes the connection and every channel on it
func (c *Connection) Close() error {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.connClosed {
		return broker.ErrConnectionClosed
	}
	b.connClosed = true
	for _, ch := range b.open {
		ch.closeLocked()
	}
	return nil
}

// Channel is a channel on a Broker
type Channel struct {
	broker *Broker
	id     int
	open   bool
}

var (
	_ broker.Channel      = (*Channel)(nil)
	_ broker.Acknowledger = (*Channel)(nil)
)

// ID returns the channel number
func (ch *Channel) ID() int {
	return ch.id
}

func (ch *Channel) do(c Call) error {
	b := ch.broker
	if !ch.open {
		return broker.ErrChannelClosed
	}
	c.Channel = ch.id
	return b.record(c)
}

func (ch *Channel) DeclareExchange(name, kind string, durable bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.do(Call{Op: OpDeclareExchange, Name: name, Kind: kind, Durable: durable}); err != nil {
		return err
	}
	b.exchanges[name] = kind
	return nil
}

func (ch *Channel) DeclareQueue(name string, durable bool, args broker.Table) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.do(Call{Op: OpDeclareQueue, Name: name, Durable: durable, Args: args}); err != nil {
		return err
	}
	if existing, ok := b.queues[name]; ok && !sameArgs(existing, args) {
		return fmt.Errorf("brokertest: PRECONDITION_FAILED - inequivalent arg for queue '%s'", name)
	}
	b.queues[name] = args
	return nil
}

func (ch *Channel) DeleteQueue(name string) (*broker.DeleteOk, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.do(Call{Op: OpDeleteQueue, Name: name}); err != nil {
		return nil, err
	}
	if b.noAck[name] {
		return nil, nil
	}
	delete(b.queues, name)
	return &broker.DeleteOk{}, nil
}

func (ch *Channel) BindExchange(destination, source, routingKey string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.do(Call{Op: OpBindExchange, Name: destination, Source: source, RoutingKey: routingKey}); err != nil {
		return err
	}
	if _, ok := b.exchanges[source]; !ok {
		return fmt.Errorf("brokertest: NOT_FOUND - no exchange '%s'", source)
	}
	b.bindings = append(b.bindings, binding{destination, source, routingKey})
	return nil
}

func (ch *Channel) BindQueue(queue, exchange, routingKey string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.do(Call{Op: OpBindQueue, Name: queue, Source: exchange, RoutingKey: routingKey}); err != nil {
		return err
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return fmt.Errorf("brokertest: NOT_FOUND - no exchange '%s'", exchange)
	}
	b.bindings = append(b.bindings, binding{queue, exchange, routingKey})
	return nil
}

func (ch *Channel) DeclareExchangePassive(name string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	err := ch.do(Call{Op: OpDeclareExchangePassive, Name: name})
	if err == nil {
		if _, ok := b.exchanges[name]; !ok {
			err = ErrNotFound
		}
	}
	if err != nil && b.ClosePassiveFailures && ch.open {
		ch.closeLocked()
	}
	return err
}

func (ch *Channel) DeclareQueuePassive(name string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	err := ch.do(Call{Op: OpDeclareQueuePassive, Name: name})
	if err == nil {
		if _, ok := b.queues[name]; !ok {
			err = ErrNotFound
		}
	}
	if err != nil && b.ClosePassiveFailures && ch.open {
		ch.closeLocked()
	}
	return err
}

func (ch *Channel) Publish(ctx context.Context, exchange, routingKey string, msg broker.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.do(Call{Op: OpPublish, Name: exchange, Source: exchange, RoutingKey: routingKey, Publishing: msg})
}

func (ch *Channel) Consume(queue, consumerTag string, prefetch int) (<-chan broker.Delivery, error) {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.do(Call{Op: OpConsume, Name: queue, RoutingKey: consumerTag}); err != nil {
		return nil, err
	}
	if _, ok := b.queues[queue]; !ok {
		return nil, fmt.Errorf("brokertest: NOT_FOUND - no queue '%s'", queue)
	}
	c := &consumer{tag: consumerTag, channel: ch, ch: make(chan broker.Delivery, 16)}
	b.consumers[queue] = append(b.consumers[queue], c)
	return c.ch, nil
}

func (ch *Channel) Cancel(consumerTag string) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := ch.do(Call{Op: OpCancel, Name: consumerTag}); err != nil {
		return err
	}
	ch.dropConsumersLocked(func(c *consumer) bool { return c.tag == consumerTag })
	return nil
}

func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ch.open {
		return broker.ErrChannelClosed
	}
	b.acks = append(b.acks, tag)
	return nil
}

func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ch.open {
		return broker.ErrChannelClosed
	}
	b.nacks = append(b.nacks, tag)
	return nil
}

func (ch *Channel) IsOpen() bool {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	return ch.open
}

func (ch *Channel) Close() error {
	b := ch.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if !ch.open {
		return broker.ErrChannelClosed
	}
	ch.closeLocked()
	return nil
}

func (ch *Channel) closeLocked() {
	b := ch.broker
	ch.open = false
	delete(b.open, ch.id)
	b.calls = append(b.calls, Call{Op: OpCloseChannel, Channel: ch.id})
	ch.dropConsumersLocked(func(c *consumer) bool { return c.channel == ch })
}

func (ch *Channel) dropConsumersLocked(match func(*consumer) bool) {
	b := ch.broker
	for queue, consumers := range b.consumers {
		kept := consumers[:0]
		for _, c := range consumers {
			if match(c) {
				close(c.ch)
				continue
			}
			kept = append(kept, c)
		}
		if len(kept) == 0 {
			delete(b.consumers, queue)
		} else {
			b.consumers[queue] = kept
		}
	}
}

func sameArgs(a, b broker.Table) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || fmt.Sprint(v) != fmt.Sprint(w) {
			return false
		}
	}
	return true
}
