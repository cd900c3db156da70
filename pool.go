package pgwire

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrPoolClosed is returned by operations on a closed pool
var ErrPoolClosed = errors.New("pgwire: pool is closed")

// Pool is a simple fixed-size connection pool.
//
// All connections are opened up front. Acquire blocks until a
// connection becomes available, or the context ends.
type Pool struct {
	dsn   string
	conns chan *Conn

	mu     sync.Mutex
	closed bool

	// dial is replaceable for tests
	dial func(dsn string) (*Conn, error)
}

// NewPool attempts to create a pool with the given number of
// connections. It fails if any of them cannot be opened.
func NewPool(dsn string, size int) (*Pool, error) {
	return newPool(dsn, size, NewConn)
}

func newPool(dsn string, size int, dial func(dsn string) (*Conn, error)) (*Pool, error) {
	if size <= 0 {
		return nil, fmt.Errorf("pgwire: invalid pool size %d", size)
	}
	p := &Pool{dsn: dsn, conns: make(chan *Conn, size), dial: dial}

	for i := 0; i < size; i++ {
		conn, err := dial(dsn)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("pgwire: unable to initialize pool: %s", err)
		}
		p.conns <- conn
	}
	return p, nil
}

// Acquire retrieves a connection from the pool.
//
// If all connections are in use, it blocks until one becomes
// available or the context is done.
func (p *Pool) Acquire(ctx context.Context) (*Conn, error) {
	var done <-chan struct{}
	if ctx != nil {
		done = ctx.Done()
	}
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-done:
		return nil, ctx.Err()
	}
}

// Release returns a connection to the pool. A poisoned connection is
// replaced with a fresh one, so the pool keeps its size.
func (p *Pool) Release(conn *Conn) {
	if conn == nil || conn.session == nil {
		return
	}
	if !conn.valid {
		conn.Close()
		if fresh, err := p.dial(p.dsn); err == nil {
			conn = fresh
		} else {
			// keep the slot, the dead connection will be
			// noticed and replaced on the next cycle
			conn = &emptyConn
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		conn.Close()
		return
	}
	select {
	case p.conns <- conn:
	default:
		// more releases than acquires
		conn.Close()
	}
}

// Do runs fn with a pooled connection, releasing it afterwards.
// A convenience wrapper around Acquire and Release.
func (p *Pool) Do(ctx context.Context, fn func(conn *Conn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(conn)
	return fn(conn)
}

// Close terminates all idle connections and marks the pool closed.
// Connections currently acquired are closed as they are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.conns)
	p.mu.Unlock()

	for conn := range p.conns {
		conn.Close()
	}
	return nil
}
