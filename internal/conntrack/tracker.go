package conntrack

import (
	"context"
	stderrors "errors"
	"net"
	"strconv"
	"sync"

	"github.com/vango-dev/hotserve/internal/errors"
)

// Hooks receive connection lifecycle notifications. Any field may be nil.
type Hooks struct {
	OnOpen  func()
	OnClose func()
	OnKill  func(n int)
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithHooks installs lifecycle hooks.
func WithHooks(h Hooks) Option {
	return func(t *Tracker) {
		t.hooks = h
	}
}

// Tracker is a net.Listener that records every accepted connection.
type Tracker struct {
	ln    net.Listener
	hooks Hooks

	mu      sync.Mutex
	conns   map[uint64]*trackedConn
	lastKey uint64
	closed  bool
	drained chan struct{} // closed when the map becomes empty after close

	disposeOnce sync.Once
	disposeErr  error
	disposed    chan struct{}
}

// Wrap returns a Tracker around ln. ln may be nil, in which case Accept
// always fails and Dispose returns immediately.
func Wrap(ln net.Listener, opts ...Option) *Tracker {
	t := &Tracker{
		ln:       ln,
		conns:    make(map[uint64]*trackedConn),
		disposed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Accept waits for and returns the next connection. The connection is
// tracked before it is returned.
func (t *Tracker) Accept() (net.Conn, error) {
	if t.ln == nil {
		return nil, net.ErrClosed
	}
	for {
		c, err := t.ln.Accept()
		if err != nil {
			return nil, err
		}

		t.mu.Lock()
		if t.closed {
			// Raced with Dispose: the listener is gone, so is this connection.
			t.mu.Unlock()
			resetConn(c)
			continue
		}
		t.lastKey++
		tc := &trackedConn{Conn: c, key: t.lastKey, owner: t}
		t.conns[tc.key] = tc
		t.mu.Unlock()

		if t.hooks.OnOpen != nil {
			t.hooks.OnOpen()
		}
		return tc, nil
	}
}

// Close stops accepting without touching tracked connections.
func (t *Tracker) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	if t.ln == nil {
		return nil
	}
	err := t.ln.Close()
	if stderrors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Addr returns the listener's address, or nil for a nil listener.
func (t *Tracker) Addr() net.Addr {
	if t.ln == nil {
		return nil
	}
	return t.ln.Addr()
}

// Len returns the number of tracked connections.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.conns)
}

// Closed reports whether the tracker stopped accepting.
func (t *Tracker) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// KillAll resets and closes every tracked connection and returns how many
// it terminated.
func (t *Tracker) KillAll() int {
	t.mu.Lock()
	victims := make([]*trackedConn, 0, len(t.conns))
	for _, c := range t.conns {
		victims = append(victims, c)
	}
	t.mu.Unlock()

	n := 0
	for _, c := range victims {
		if c.kill() {
			n++
		}
	}
	if n > 0 && t.hooks.OnKill != nil {
		t.hooks.OnKill(n)
	}
	return n
}

// Dispose closes the listener and waits until no tracked connection is left.
// With force set, connections are reset first instead of waiting for their
// peers. Later calls return the result of the first.
//
// If ctx ends first, the remaining connections are killed and an E303 error
// is returned.
func (t *Tracker) Dispose(ctx context.Context, force bool) error {
	t.disposeOnce.Do(func() {
		defer close(t.disposed)
		t.disposeErr = t.dispose(ctx, force)
	})
	<-t.disposed
	return t.disposeErr
}

func (t *Tracker) dispose(ctx context.Context, force bool) error {
	if t.ln == nil {
		t.mu.Lock()
		t.closed = true
		t.mu.Unlock()
		return nil
	}

	if force {
		t.KillAll()
	}
	closeErr := t.Close()

	var err error
	select {
	case <-t.waitDrained():
	case <-ctx.Done():
		remaining := t.Len()
		err = errors.New(errors.CodeDisposalTimeout).
			WithDetail(pluralConns(remaining) + " still open on " + t.ln.Addr().String()).
			Wrap(ctx.Err())
	}

	// Sweep connections that were accepted while the listener was closing.
	t.KillAll()

	if err != nil {
		return err
	}
	if closeErr != nil {
		return errors.New(errors.CodeListen).WithDetail("closing " + t.ln.Addr().String()).Wrap(closeErr)
	}
	return nil
}

// waitDrained returns a channel closed once the tracked set is empty.
func (t *Tracker) waitDrained() <-chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.drained == nil {
		t.drained = make(chan struct{})
		if len(t.conns) == 0 {
			close(t.drained)
		}
	}
	return t.drained
}

func (t *Tracker) remove(key uint64) {
	t.mu.Lock()
	if _, ok := t.conns[key]; !ok {
		t.mu.Unlock()
		return
	}
	delete(t.conns, key)
	if len(t.conns) == 0 && t.drained != nil {
		select {
		case <-t.drained:
		default:
			close(t.drained)
		}
	}
	t.mu.Unlock()

	if t.hooks.OnClose != nil {
		t.hooks.OnClose()
	}
}

func pluralConns(n int) string {
	if n == 1 {
		return "1 connection"
	}
	return strconv.Itoa(n) + " connections"
}

type trackedConn struct {
	net.Conn
	key   uint64
	owner *Tracker
	once  sync.Once
}

// Close closes the connection and drops it from the tracker.
func (c *trackedConn) Close() error {
	var err error
	first := false
	c.once.Do(func() {
		first = true
		err = c.Conn.Close()
		c.owner.remove(c.key)
	})
	if !first {
		return net.ErrClosed
	}
	return err
}

// kill resets the connection. It returns false if the connection was
// already gone.
func (c *trackedConn) kill() bool {
	killed := false
	c.once.Do(func() {
		killed = true
		resetConn(c.Conn)
		c.owner.remove(c.key)
	})
	return killed
}

// Unwrap returns the underlying connection.
func (c *trackedConn) Unwrap() net.Conn {
	return c.Conn
}

// resetConn closes c without a graceful shutdown. TCP peers see a reset.
func resetConn(c net.Conn) {
	if tcp, ok := c.(*net.TCPConn); ok {
		_ = tcp.SetLinger(0)
	}
	_ = c.Close()
}
