package transport

import (
	"context"
	"fmt"
	"sync"
)

// InMemory is a Sender implementation wiring multiple in-process
// nodes together with no network or TLS involved: Send calls the
// target node's registered handler directly and returns its ack. The
// ordered Topic counterpart is InMemoryTopic, a buffered channel a
// background goroutine drains in order. Used by unit tests that need
// a Sender without a socket.
type InMemory struct {
	mu       sync.Mutex
	handlers map[string]func(fromNodeID string, typeID uint16, msg interface{}) (ackTypeID uint16, ack interface{})
}

// NewInMemory creates an empty in-memory transport fabric shared by
// every node registered onto it via RegisterNode.
func NewInMemory() *InMemory {
	return &InMemory{handlers: make(map[string]func(string, uint16, interface{}) (uint16, interface{}))}
}

// RegisterNode installs nodeID's inbound handler, so other nodes'
// Send calls targeting nodeID are dispatched to it synchronously.
func (m *InMemory) RegisterNode(nodeID string, handler func(fromNodeID string, typeID uint16, msg interface{}) (ackTypeID uint16, ack interface{})) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[nodeID] = handler
}

// Unregister removes nodeID, simulating it leaving the cluster: future
// Send calls to it fail as unreachable.
func (m *InMemory) Unregister(nodeID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers, nodeID)
}

// Sender returns a Sender bound to fromNodeID for use by that node's
// write path / service orchestrator.
func (m *InMemory) Sender(fromNodeID string) Sender {
	return &inMemorySender{fabric: m, fromNodeID: fromNodeID}
}

type inMemorySender struct {
	fabric     *InMemory
	fromNodeID string
}

func (s *inMemorySender) Send(ctx context.Context, nodeID string, typeID uint16, msg interface{}) (interface{}, error) {
	s.fabric.mu.Lock()
	handler, ok := s.fabric.handlers[nodeID]
	s.fabric.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("transport: node %s unreachable", nodeID)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	_, ack := handler(s.fromNodeID, typeID, msg)
	return ack, nil
}

// InMemoryTopic is an ordered, buffered, in-process Topic: Publish
// appends to a channel a single goroutine drains into deliver, in
// call order, giving the per-origin FIFO guarantee spec §6 requires
// without needing a real connection.
type InMemoryTopic struct {
	deliver func(msg interface{}) error
	queue   chan interface{}
	stopCh  chan struct{}
	onFail  FailureHandler
	nodeID  string
}

// NewInMemoryTopic creates a Topic that hands each published message
// to deliver, in order, on a dedicated goroutine.
func NewInMemoryTopic(nodeID string, bufferSize int, deliver func(msg interface{}) error, onFail FailureHandler) *InMemoryTopic {
	t := &InMemoryTopic{
		deliver: deliver,
		queue:   make(chan interface{}, bufferSize),
		stopCh:  make(chan struct{}),
		onFail:  onFail,
		nodeID:  nodeID,
	}
	go t.run()
	return t
}

func (t *InMemoryTopic) run() {
	for {
		select {
		case msg := <-t.queue:
			if err := t.deliver(msg); err != nil && t.onFail != nil {
				t.onFail(t.nodeID, err)
			}
		case <-t.stopCh:
			return
		}
	}
}

// Publish implements Topic.
func (t *InMemoryTopic) Publish(ctx context.Context, msg interface{}) error {
	select {
	case t.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.stopCh:
		return fmt.Errorf("transport: topic closed")
	}
}

// Close implements Topic.
func (t *InMemoryTopic) Close() error {
	close(t.stopCh)
	return nil
}
