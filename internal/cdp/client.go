package cdp

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/tdewey/webdbg/internal/errors"
)

// subscriberBuffer is the per-subscription event buffer. A subscriber that
// falls this far behind starts losing events; the drop is logged.
const subscriberBuffer = 128

// Event is an inspection-protocol event delivered to subscribers.
type Event struct {
	Method string
	Params json.RawMessage
}

// Domain returns the protocol domain of the event ("Debugger" for
// "Debugger.paused").
func (e Event) Domain() string {
	if i := strings.IndexByte(e.Method, '.'); i >= 0 {
		return e.Method[:i]
	}
	return e.Method
}

// Subscription is one reader's view of a domain's event stream. Events
// arrive in protocol order. The channel closes when the subscription or the
// client is closed.
type Subscription struct {
	C      <-chan Event
	ch     chan Event
	domain string
	client *Client

	// mu orders sends against close: Close may run concurrently with the
	// read loop broadcasting an event.
	mu     sync.Mutex
	closed bool
}

// Close detaches the subscription and closes its channel.
func (s *Subscription) Close() {
	s.client.unsubscribe(s)
}

// send delivers ev unless the subscription is closed. It reports false when
// the event was dropped because the subscriber's buffer is full.
func (s *Subscription) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *Subscription) closeChan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}

// Client provides correlated request/response calls and per-domain event
// broadcast over a Transport.
type Client struct {
	transport *Transport
	log       *slog.Logger

	mu      sync.Mutex
	pending map[int64]chan *Message
	subs    map[string][]*Subscription
	closed  bool
	cause   error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a client on the given transport and starts its read
// loop.
func NewClient(transport *Transport, log *slog.Logger) *Client {
	if log == nil {
		log = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		transport: transport,
		log:       log.With("component", "cdp"),
		pending:   make(map[int64]chan *Message),
		subs:      make(map[string][]*Subscription),
		ctx:       ctx,
		cancel:    cancel,
	}

	c.wg.Add(1)
	go c.readLoop()

	return c
}

// readLoop continuously reads messages from the transport and routes them.
// A read error ends the session: all pending calls and subscriptions are
// failed over to a connection-closed error.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		msg, err := c.transport.Receive()
		if err != nil {
			select {
			case <-c.ctx.Done():
			default:
				c.log.Debug("transport closed", "err", err)
			}
			c.shutdown(err)
			return
		}
		c.route(msg)
	}
}

// route dispatches one incoming message to its pending call or to the
// domain's subscribers.
func (c *Client) route(msg *Message) {
	if msg.ID != 0 {
		c.mu.Lock()
		ch, ok := c.pending[msg.ID]
		if ok {
			delete(c.pending, msg.ID)
		}
		c.mu.Unlock()
		if ok {
			ch <- msg
		} else {
			c.log.Warn("response with no pending request", "id", msg.ID)
		}
		return
	}

	ev := Event{Method: msg.Method, Params: msg.Params}

	c.mu.Lock()
	subs := c.subs[ev.Domain()]
	c.mu.Unlock()

	for _, sub := range subs {
		if !sub.send(ev) {
			c.log.Warn("subscriber lagging, dropping event", "domain", sub.domain, "method", ev.Method)
		}
	}
}

// Call sends a correlated request and awaits its response. result, when
// non-nil, receives the unmarshalled result object. A transport close fails
// the call with a connection-closed error; a protocol-level error comes back
// as *RemoteError.
func (c *Client) Call(ctx context.Context, method string, params interface{}, result interface{}) error {
	id := c.transport.NextID()
	respCh := make(chan *Message, 1)

	c.mu.Lock()
	if c.closed {
		cause := c.cause
		c.mu.Unlock()
		return errors.ConnectionClosed(cause)
	}
	c.pending[id] = respCh
	c.mu.Unlock()

	if err := c.transport.Send(&Request{ID: id, Method: method, Params: params}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return err
	}

	select {
	case resp := <-respCh:
		if resp == nil {
			c.mu.Lock()
			cause := c.cause
			c.mu.Unlock()
			return errors.ConnectionClosed(cause)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			return json.Unmarshal(resp.Result, result)
		}
		return nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case <-c.ctx.Done():
		c.mu.Lock()
		cause := c.cause
		c.mu.Unlock()
		return errors.ConnectionClosed(cause)
	}
}

// Subscribe returns a subscription to all events of the given protocol
// domain. Multiple subscribers observe the same events independently, in
// arrival order.
func (c *Client) Subscribe(domain string) *Subscription {
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscription{C: ch, ch: ch, domain: domain, client: c}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		sub.closed = true
		close(ch)
		return sub
	}
	c.subs[domain] = append(c.subs[domain], sub)
	return sub
}

func (c *Client) unsubscribe(sub *Subscription) {
	c.mu.Lock()
	list := c.subs[sub.domain]
	for i, s := range list {
		if s == sub {
			c.subs[sub.domain] = append(list[:i], list[i+1:]...)
			break
		}
	}
	c.mu.Unlock()

	sub.closeChan()
}

// shutdown fails all pending calls and closes all subscriptions.
func (c *Client) shutdown(cause error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cause = cause
	pending := c.pending
	c.pending = make(map[int64]chan *Message)
	var subs []*Subscription
	for _, list := range c.subs {
		subs = append(subs, list...)
	}
	c.subs = make(map[string][]*Subscription)
	c.mu.Unlock()

	for _, ch := range pending {
		ch <- nil
	}
	for _, sub := range subs {
		sub.closeChan()
	}
	c.cancel()
}

// Close shuts down the client and its transport. Pending callers observe a
// connection-closed error rather than hanging.
func (c *Client) Close() error {
	c.cancel()
	err := c.transport.Close()
	c.wg.Wait()
	c.shutdown(nil)
	return err
}
