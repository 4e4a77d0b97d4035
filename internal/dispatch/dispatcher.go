package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/sirupsen/logrus"
)

const (
	qos    = 1
	retain = false

	// DefaultCallTimeout bounds a services request waiting for its
	// correlated reply.
	DefaultCallTimeout = 10 * time.Second

	publishTimeout = 10 * time.Second
)

var (
	inboundMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cloudlink_dispatch_inbound_total",
		Help: "Inbound envelopes by topic category.",
	}, []string{"category"})

	droppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudlink_dispatch_dropped_total",
		Help: "Inbound envelopes with no registered handler.",
	})

	callTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cloudlink_dispatch_call_timeouts_total",
		Help: "Services calls that never saw a correlated reply.",
	})
)

// ErrCallTimeout is returned when a services call sees no correlated reply
// within the timeout.
var ErrCallTimeout = errors.New("no reply within timeout")

// HandlerFunc consumes one inbound envelope. sn is the device serial from the
// topic; for child-device messages the envelope's Gateway field names the
// owning gateway.
type HandlerFunc func(sn string, env *Envelope)

// deviceQueueDepth bounds the per-device inbound queue. Overflow drops the
// message; QoS 1 re-announcements recover what matters.
const deviceQueueDepth = 64

type inbound struct {
	category Category
	sn       string
	env      *Envelope
}

// Dispatcher routes inbound envelopes to registered handlers and correlates
// outbound services requests with their replies.
type Dispatcher struct {
	client  mqtt.Client
	log     *logrus.Entry
	timeout time.Duration

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	pending  map[string]chan *Envelope
	queues   map[string]chan inbound
	closed   bool

	wg sync.WaitGroup
}

func New(client mqtt.Client) *Dispatcher {
	return &Dispatcher{
		client:   client,
		log:      logrus.WithField("component", "dispatch"),
		timeout:  DefaultCallTimeout,
		handlers: make(map[string]HandlerFunc),
		pending:  make(map[string]chan *Envelope),
		queues:   make(map[string]chan inbound),
	}
}

// Close stops every device worker and waits for in-flight handlers.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	for sn, q := range d.queues {
		delete(d.queues, sn)
		close(q)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

// SetCallTimeout overrides the default services-call timeout.
func (d *Dispatcher) SetCallTimeout(timeout time.Duration) {
	d.timeout = timeout
}

func handlerKey(category Category, method string) string {
	return string(category) + "/" + method
}

// Register installs the handler for (category, method). Method "" is the
// category default, used for categories without a method field (osd).
func (d *Dispatcher) Register(category Category, method string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[handlerKey(category, method)] = h
}

// SubscribeAnnouncements opens the wildcard status subscription, the entry
// point for gateways this process has never seen.
func (d *Dispatcher) SubscribeAnnouncements() error {
	topic := "sys/product/+/status"
	token := d.client.Subscribe(topic, qos, func(c mqtt.Client, m mqtt.Message) {
		d.Dispatch(m.Topic(), m.Payload())
	})
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("subscribe timeout: %s", topic)
	}
	return errors.Wrapf(token.Error(), "subscribe %s", topic)
}

// SubscribeDevice subscribes every consumed topic category for one serial.
func (d *Dispatcher) SubscribeDevice(sn string) error {
	for _, category := range consumedCategories {
		topic := Topic(category, sn)
		token := d.client.Subscribe(topic, qos, func(c mqtt.Client, m mqtt.Message) {
			d.Dispatch(m.Topic(), m.Payload())
		})
		if !token.WaitTimeout(publishTimeout) {
			return errors.Errorf("subscribe timeout: %s", topic)
		}
		if err := token.Error(); err != nil {
			return errors.Wrapf(err, "subscribe %s", topic)
		}
	}
	return nil
}

func (d *Dispatcher) UnsubscribeDevice(sn string) {
	topics := make([]string, 0, len(consumedCategories))
	for _, category := range consumedCategories {
		topics = append(topics, Topic(category, sn))
	}
	token := d.client.Unsubscribe(topics...)
	if !token.WaitTimeout(publishTimeout) {
		d.log.Warnf("Unsubscribe timeout for %s", sn)
	}

	// Retire the device's worker; it finishes whatever is queued and exits.
	d.mu.Lock()
	q, ok := d.queues[sn]
	if ok {
		delete(d.queues, sn)
	}
	d.mu.Unlock()
	if ok {
		close(q)
	}
}

// Dispatch routes one raw inbound message. It is the paho subscription
// callback. Replies are delivered inline so a pending Call unblocks; all
// other messages go through the device's queue, one worker per serial. The
// worker keeps per-device arrival order, and a handler blocked on a Call
// never holds up the router goroutine that must deliver its reply.
func (d *Dispatcher) Dispatch(topic string, payload []byte) {
	category, sn, err := ParseTopic(topic)
	if err != nil {
		d.log.Warnf("Dropping message: %v", err)
		droppedMessages.Inc()
		return
	}
	inboundMessages.WithLabelValues(string(category)).Inc()

	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.log.Warnf("Could not unmarshal envelope on %s: %v", topic, err)
		droppedMessages.Inc()
		return
	}

	if category == CategoryServicesReply {
		d.deliverReply(&env)
		return
	}
	d.enqueue(category, sn, &env)
}

func (d *Dispatcher) enqueue(category Category, sn string, env *Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	q, ok := d.queues[sn]
	if !ok {
		q = make(chan inbound, deviceQueueDepth)
		d.queues[sn] = q
		d.wg.Add(1)
		go d.drain(q)
	}
	select {
	case q <- inbound{category: category, sn: sn, env: env}:
	default:
		d.log.Warnf("Queue for %s is full, dropping %s/%s", sn, category, env.Method)
		droppedMessages.Inc()
	}
}

// drain runs one device's handlers in arrival order until the queue closes.
func (d *Dispatcher) drain(q chan inbound) {
	defer d.wg.Done()
	for msg := range q {
		d.deliver(msg.category, msg.sn, msg.env)
	}
}

func (d *Dispatcher) deliver(category Category, sn string, env *Envelope) {
	d.mu.Lock()
	h, ok := d.handlers[handlerKey(category, env.Method)]
	if !ok {
		h, ok = d.handlers[handlerKey(category, "")]
	}
	d.mu.Unlock()
	if !ok {
		d.log.Warnf("Unknown method: %s/%s", category, env.Method)
		droppedMessages.Inc()
		return
	}
	h(sn, env)
}

func (d *Dispatcher) deliverReply(env *Envelope) {
	d.mu.Lock()
	ch, ok := d.pending[env.Bid]
	if ok {
		delete(d.pending, env.Bid)
	}
	d.mu.Unlock()
	if !ok {
		// A reply after its caller timed out.
		d.log.Warnf("Orphan reply: bid=%s method=%s", env.Bid, env.Method)
		return
	}
	ch <- env
}

// Call publishes a services request to the device and blocks until the
// correlated reply arrives, the timeout elapses, or ctx is cancelled.
func (d *Dispatcher) Call(ctx context.Context, sn, method string, payload interface{}) (*Reply, error) {
	env, err := NewEnvelope(method, payload)
	if err != nil {
		return nil, errors.Wrapf(err, "marshal %s request", method)
	}

	ch := make(chan *Envelope, 1)
	d.mu.Lock()
	d.pending[env.Bid] = ch
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.pending, env.Bid)
		d.mu.Unlock()
	}()

	if err := d.Publish(Topic(CategoryServices, sn), env); err != nil {
		return nil, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(d.timeout):
		callTimeouts.Inc()
		return nil, errors.Wrapf(ErrCallTimeout, "%s to %s", method, sn)
	case reply := <-ch:
		var r Reply
		if err := json.Unmarshal(reply.Data, &r); err != nil {
			return nil, errors.Wrapf(err, "unmarshal %s reply", method)
		}
		return &r, nil
	}
}

// Publish sends one envelope and waits for the broker ack.
func (d *Dispatcher) Publish(topic string, env *Envelope) error {
	b, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	token := d.client.Publish(topic, qos, retain, b)
	if !token.WaitTimeout(publishTimeout) {
		return errors.Errorf("publish timeout: %s", topic)
	}
	return errors.Wrapf(token.Error(), "publish %s", topic)
}

// Ack publishes the reply envelope for an inbound request on the matching
// reply category.
func (d *Dispatcher) Ack(category Category, sn string, req *Envelope, result int, output interface{}) error {
	reply, err := req.Ack(result, output)
	if err != nil {
		return errors.Wrap(err, "build ack")
	}
	var replyCategory Category
	switch category {
	case CategoryStatus:
		replyCategory = CategoryStatusReply
	case CategoryEvents:
		replyCategory = CategoryEventsReply
	case CategoryRequests:
		replyCategory = CategoryRequestsReply
	default:
		return errors.Errorf("category %s has no reply channel", category)
	}
	return d.Publish(Topic(replyCategory, sn), reply)
}
