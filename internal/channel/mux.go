package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Mux fans in messages from the local preview and every ref connection,
// tagging each with its source, and routes outbound messages by target.
type Mux struct {
	mu     sync.RWMutex
	local  Conn
	refs   map[string]Conn
	logger Logger

	inbound chan Message
	done    chan struct{}
	once    sync.Once
}

type MuxOptions struct {
	InboundBuffer int
	Logger        Logger
}

func NewMux(opts MuxOptions) *Mux {
	buffer := opts.InboundBuffer
	if buffer <= 0 {
		buffer = defaultInboundBuffer
	}
	return &Mux{
		refs:    map[string]Conn{},
		logger:  opts.Logger,
		inbound: make(chan Message, buffer),
		done:    make(chan struct{}),
	}
}

// Attach registers conn under source and pumps its messages into the mux
// until the connection closes. A previous connection for the same source is
// closed and replaced.
func (m *Mux) Attach(source Source, conn Conn) error {
	if err := m.register(source, conn); err != nil {
		return err
	}
	go m.pump(source, conn)
	return nil
}

// Serve is Attach that blocks until conn is detached.
func (m *Mux) Serve(source Source, conn Conn) error {
	if err := m.register(source, conn); err != nil {
		return err
	}
	m.pump(source, conn)
	return nil
}

func (m *Mux) register(source Source, conn Conn) error {
	if conn == nil {
		return ErrInvalidInput
	}
	if !source.IsLocal() && source.RefID == "" {
		return fmt.Errorf("%w: external source without ref id", ErrInvalidInput)
	}
	select {
	case <-m.done:
		return ErrClosed
	default:
	}

	m.mu.Lock()
	var previous Conn
	if source.IsLocal() {
		previous = m.local
		m.local = conn
	} else {
		previous = m.refs[source.RefID]
		m.refs[source.RefID] = conn
	}
	m.mu.Unlock()
	if previous != nil {
		_ = previous.Close()
	}
	return nil
}

func (m *Mux) pump(source Source, conn Conn) {
	defer m.detach(source, conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-m.done:
			cancel()
		case <-ctx.Done():
		}
	}()
	for {
		msg, err := conn.Receive(ctx)
		if err != nil {
			if !errors.Is(err, ErrClosed) && !errors.Is(err, context.Canceled) {
				m.logf("receive from %s failed: %v", describeSource(source), err)
			}
			return
		}
		tagged := source
		msg.Source = &tagged
		select {
		case m.inbound <- msg:
		case <-m.done:
			return
		}
	}
}

func (m *Mux) detach(source Source, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if source.IsLocal() {
		if m.local == conn {
			m.local = nil
		}
		return
	}
	if m.refs[source.RefID] == conn {
		delete(m.refs, source.RefID)
	}
}

// Receive returns the next inbound message from any attached connection, in
// per-connection arrival order.
func (m *Mux) Receive(ctx context.Context) (Message, error) {
	select {
	case <-ctx.Done():
		return Message{}, ctx.Err()
	case <-m.done:
		return Message{}, ErrClosed
	case msg := <-m.inbound:
		return msg, nil
	}
}

// Send routes msg to the connection named by its target.
func (m *Mux) Send(ctx context.Context, msg Message) error {
	target := msg.Target()
	refID, ok := ParseTarget(target)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, target)
	}
	m.mu.RLock()
	var conn Conn
	if refID == "" {
		conn = m.local
	} else {
		conn = m.refs[refID]
	}
	m.mu.RUnlock()
	if conn == nil {
		return fmt.Errorf("%w: %s is not connected", ErrUnknownTarget, target)
	}
	return conn.Send(ctx, msg)
}

// Connected reports the ref ids with a live connection.
func (m *Mux) Connected() (local bool, refs []string) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.refs {
		refs = append(refs, id)
	}
	return m.local != nil, refs
}

func (m *Mux) Close() error {
	m.once.Do(func() {
		close(m.done)
		m.mu.Lock()
		conns := make([]Conn, 0, len(m.refs)+1)
		if m.local != nil {
			conns = append(conns, m.local)
		}
		for _, conn := range m.refs {
			conns = append(conns, conn)
		}
		m.mu.Unlock()
		for _, conn := range conns {
			_ = conn.Close()
		}
	})
	return nil
}

func (m *Mux) logf(format string, args ...any) {
	if m.logger == nil {
		return
	}
	m.logger.Printf(format, args...)
}

func describeSource(source Source) string {
	if source.IsLocal() {
		return "local preview"
	}
	return "ref " + source.RefID
}
