package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// Common errors for notifier operations
var (
	ErrNotRunning = errors.New("notifier is not running")
	ErrSendFailed = errors.New("failed to publish event")
)

// Event types published on the change feed.
const (
	EventWrite       = "write"
	EventEvolution   = "evolution"
	EventConsolidate = "consolidate"
)

// Event describes one change to an array: a committed write batch, a
// schema evolution, or a consolidation pass.
type Event struct {
	Type      string    `json:"type"`
	URI       string    `json:"uri"`
	Cells     int       `json:"cells,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier publishes array change events on a ZeroMQ PUB socket.
// Subscribers use the array URI as the topic frame.
type Notifier struct {
	address string

	ctx    context.Context
	cancel context.CancelFunc

	pub zmq4.Socket

	running bool
	mu      sync.Mutex
}

// NewNotifier creates a notifier that will bind to tcp://host:port.
func NewNotifier(host string, port int) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())

	return &Notifier{
		address: fmt.Sprintf("tcp://%s:%d", host, port),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start binds the PUB socket.
func (n *Notifier) Start() error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.running {
		return errors.New("notifier already running")
	}

	n.pub = zmq4.NewPub(n.ctx)
	if err := n.pub.Listen(n.address); err != nil {
		return fmt.Errorf("failed to bind publisher: %w", err)
	}

	n.running = true
	return nil
}

// Stop shuts down the publisher.
func (n *Notifier) Stop() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return
	}
	n.running = false

	n.cancel()
	if n.pub != nil {
		if err := n.pub.Close(); err != nil {
			_ = err // errors during shutdown are expected
		}
	}
}

// Address returns the bound address.
func (n *Notifier) Address() string {
	return n.address
}

// Publish sends one event, with the array URI as the topic frame so
// subscribers can filter per array.
func (n *Notifier) Publish(ev *Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if !n.running {
		return ErrNotRunning
	}

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := zmq4.NewMsgFrom([]byte(ev.URI), data)
	if err := n.pub.Send(msg); err != nil {
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}

	return nil
}

// NotifyWrite publishes a committed write batch.
func (n *Notifier) NotifyWrite(uri string, cells int) error {
	return n.Publish(&Event{Type: EventWrite, URI: uri, Cells: cells})
}

// NotifyEvolution publishes a schema evolution (enumeration extension or
// domain change).
func (n *Notifier) NotifyEvolution(uri, detail string) error {
	return n.Publish(&Event{Type: EventEvolution, URI: uri, Detail: detail})
}

// NotifyConsolidate publishes a consolidation pass.
func (n *Notifier) NotifyConsolidate(uri string) error {
	return n.Publish(&Event{Type: EventConsolidate, URI: uri})
}

// Subscriber receives array change events from a Notifier.
type Subscriber struct {
	address string

	ctx    context.Context
	cancel context.CancelFunc

	sub     zmq4.Socket
	evChan  chan *Event
	running bool
	mu      sync.Mutex
	wg      sync.WaitGroup
}

// NewSubscriber creates a subscriber for the given publisher address.
func NewSubscriber(address string) *Subscriber {
	ctx, cancel := context.WithCancel(context.Background())

	return &Subscriber{
		address: address,
		ctx:     ctx,
		cancel:  cancel,
		evChan:  make(chan *Event, 1000),
	}
}

// Start connects the SUB socket. topics filters by array URI prefix; an
// empty list subscribes to everything.
func (s *Subscriber) Start(topics ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return errors.New("subscriber already running")
	}

	s.sub = zmq4.NewSub(s.ctx)
	if err := s.sub.Dial(s.address); err != nil {
		return fmt.Errorf("failed to connect to %s: %w", s.address, err)
	}

	if len(topics) == 0 {
		topics = []string{""}
	}
	for _, topic := range topics {
		if err := s.sub.SetOption(zmq4.OptionSubscribe, topic); err != nil {
			return fmt.Errorf("failed to subscribe to %q: %w", topic, err)
		}
	}

	s.running = true

	s.wg.Add(1)
	go s.receiverLoop()

	return nil
}

// Stop disconnects the subscriber.
func (s *Subscriber) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	s.cancel()
	if s.sub != nil {
		if err := s.sub.Close(); err != nil {
			_ = err // errors during shutdown are expected
		}
	}

	s.wg.Wait()
	close(s.evChan)
}

// Events returns the channel of received events.
func (s *Subscriber) Events() <-chan *Event {
	return s.evChan
}

// receiverLoop continuously receives events from the SUB socket.
func (s *Subscriber) receiverLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
			msg, err := s.sub.Recv()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					continue
				}
			}

			frames := msg.Frames
			if len(frames) < 2 {
				continue
			}

			var ev Event
			if err := json.Unmarshal(frames[1], &ev); err != nil {
				continue
			}

			// Send to channel (non-blocking)
			select {
			case s.evChan <- &ev:
			default:
				// Channel full, drop event
			}
		}
	}
}
