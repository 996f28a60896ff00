package pubsub

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when sending on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport moves serialized requests between processes. Send is used for
// pushes; OnReceive and Start set up the inbound side.
type Transport interface {
	Send(ctx context.Context, msg []byte) error
	// OnReceive sets the callback for inbound messages. It must be called
	// before Start.
	OnReceive(fn func(ctx context.Context, msg []byte))
	// Start begins delivering inbound messages until ctx is done or the
	// transport is closed.
	Start(ctx context.Context) error
	Close() error
}

// MemoryTransport is an in-process transport backed by a buffered channel.
// Sends block while the buffer is full, except sends made from inside a
// delivery (including work started from one that keeps its context): those
// go to an overflow queue, so the pump never waits on itself.
type MemoryTransport struct {
	ch      chan []byte
	done    chan struct{}
	once    sync.Once
	mu      sync.RWMutex
	receive func(ctx context.Context, msg []byte)
	wg      sync.WaitGroup

	qmu      sync.Mutex
	overflow [][]byte
	more     chan struct{}
}

type deliveryKey struct{}

// NewMemoryTransport returns a transport buffering up to size messages.
func NewMemoryTransport(size int) *MemoryTransport {
	if size <= 0 {
		size = 1024
	}
	return &MemoryTransport{
		ch:   make(chan []byte, size),
		done: make(chan struct{}),
		more: make(chan struct{}, 1),
	}
}

func (m *MemoryTransport) Send(ctx context.Context, msg []byte) error {
	select {
	case <-m.done:
		return ErrClosed
	default:
	}
	msg = append([]byte(nil), msg...)

	if ctx.Value(deliveryKey{}) == m {
		select {
		case m.ch <- msg:
		default:
			m.qmu.Lock()
			m.overflow = append(m.overflow, msg)
			m.qmu.Unlock()
			select {
			case m.more <- struct{}{}:
			default:
			}
		}
		return nil
	}

	select {
	case m.ch <- msg:
		return nil
	case <-m.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *MemoryTransport) OnReceive(fn func(ctx context.Context, msg []byte)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receive = fn
}

func (m *MemoryTransport) Start(ctx context.Context) error {
	m.mu.RLock()
	fn := m.receive
	m.mu.RUnlock()
	if fn == nil {
		return errors.New("memory transport: no receiver")
	}

	deliver := context.WithValue(ctx, deliveryKey{}, m)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			if msg, ok := m.popOverflow(); ok {
				fn(deliver, msg)
				continue
			}
			select {
			case msg := <-m.ch:
				fn(deliver, msg)
			case <-m.more:
			case <-ctx.Done():
				return
			case <-m.done:
				return
			}
		}
	}()
	return nil
}

func (m *MemoryTransport) popOverflow() ([]byte, bool) {
	m.qmu.Lock()
	defer m.qmu.Unlock()
	if len(m.overflow) == 0 {
		return nil, false
	}
	msg := m.overflow[0]
	m.overflow[0] = nil
	m.overflow = m.overflow[1:]
	return msg, true
}

// Close stops delivery and waits for the pump to exit.
func (m *MemoryTransport) Close() error {
	m.once.Do(func() { close(m.done) })
	m.wg.Wait()
	return nil
}
