package pgwire

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync/atomic"
)

// Cursor fetches the rows of a query in batches through a named
// portal, so that at most one batch is in flight at any time.
// The portal only survives inside the transaction which bound it.
type Cursor struct {
	s       *session
	st      *Stmt
	ownStmt bool // close the statement along with the cursor
	portal  string
	batch   int32
	columns []column
	row     *dataRow
	// map indicating which messages are stored where when processing response
	messageMap map[tag]messageReader
	more       bool // PortalSuspended seen, another batch is available
	err        error
	done       bool
	ctx        context.Context
}

var portalID int64

// LazyQuery prepares the query and opens a cursor over it, fetching
// batchSize rows per round trip. It must run inside a transaction
// scope: the portal is destroyed at transaction end.
func (t *Tx) LazyQuery(ctx context.Context, query string, batchSize int,
	args ...interface{}) (*Cursor, error) {
	if t.done {
		return nil, fmt.Errorf("pgwire: transaction scope already finished")
	}
	st, err := newStmt(ctx, t.s, query)
	if err != nil {
		return nil, err
	}
	c, err := newCursor(ctx, st, batchSize, args)
	if err != nil {
		st.Close()
		return nil, err
	}
	c.ownStmt = true
	return c, nil
}

// LazyQuery opens a cursor over an already prepared statement
func (st *Stmt) LazyQuery(ctx context.Context, batchSize int,
	args ...interface{}) (*Cursor, error) {
	if st.s.txDepth == 0 {
		return nil, fmt.Errorf("pgwire: lazy queries require a transaction")
	}
	return newCursor(ctx, st, batchSize, args)
}

// newCursor binds the named portal and requests the first batch
func newCursor(ctx context.Context, st *Stmt, batchSize int,
	args []interface{}) (*Cursor, error) {
	s := st.s
	if !s.valid {
		return nil, ErrBadConn
	}
	if s.txDepth == 0 {
		return nil, fmt.Errorf("pgwire: lazy queries require a transaction")
	}
	if batchSize <= 0 {
		return nil, fmt.Errorf("pgwire: invalid batch size %d", batchSize)
	}

	c := &Cursor{s: s, st: st, batch: int32(batchSize), ctx: ctx,
		portal:  "c_" + strconv.FormatInt(atomic.AddInt64(&portalID, 1), 10),
		columns: st.columns,
		row:     &dataRow{msg: newMsg(dataRowTag)}}
	c.messageMap = map[tag]messageReader{dataRowTag: c.row,
		portalSuspendedTag: &emptyMsg{newMsg(portalSuspendedTag)}}

	if err := st.send(ctx, c.portal, c.batch, args); err != nil {
		return nil, s.checkErr(err, "pgwire: cursor open failed", false)
	}
	return c, nil
}

// Next decodes the next row into dest, requesting the next batch
// from the server whenever the current one is exhausted.
// It will return io.EOF once the portal is drained.
func (c *Cursor) Next(dest []interface{}) (err error) {
	if c.err != nil {
		return c.err
	}
	if c.done {
		return io.EOF
	}

	for {
		for f := c.s.initState(c.ctx, c.messageMap); f != nil; f = f(c.s.state) {
			switch c.s.state.t {
			case dataRowTag:
				return c.scan(dest)
			case portalSuspendedTag:
				c.more = true
			}
		}

		// batch over: either the portal is suspended or complete
		if err = c.s.checkErr(c.s.state.err, "pgwire: cursor fetch failed", true); err != nil {
			c.err = err
			return err
		}
		if err = c.s.finish(); err != nil {
			c.err = err
			return err
		}

		if !c.more {
			c.done = true
			return io.EOF
		}

		// ask for the next batch
		c.more = false
		c.s.clearResult()
		err = c.s.b.send(c.ctx,
			execute{msg: newMsg(executeTag), portal: c.portal, maxRows: c.batch},
			syncMsg)
		if err = c.s.checkErr(err, "pgwire: cursor fetch send failed", false); err != nil {
			c.err = err
			return err
		}
	}
}

// scan decodes the current raw row into dest
func (c *Cursor) scan(dest []interface{}) error {
	if dest == nil {
		return nil
	}
	for i := range dest {
		if i >= len(c.row.values) {
			break
		}
		v, err := c.s.decodeColumn(c.row.values[i], c.columns[i])
		if err != nil {
			return err
		}
		dest[i] = v
	}
	return nil
}

// Columns returns the cursor's column names
func (c *Cursor) Columns() (columns []string) {
	columns = make([]string, len(c.columns))
	for i, col := range c.columns {
		columns[i] = col.name
	}
	return
}

// Close destroys the portal. Remaining rows are never fetched.
func (c *Cursor) Close() error {
	if c.err == nil && !c.done {
		c.done = true
		if !c.s.valid {
			return ErrBadConn
		}

		// finish consuming the batch in flight, then drop the portal
		if err := c.s.drainToReady(c.ctx); err != nil {
			return err
		}
		if err := c.s.finish(); err != nil {
			return err
		}
		err := c.s.b.send(c.ctx,
			closeMsg{msg: newMsg(closeTag), kind: describePortal, name: c.portal},
			syncMsg)
		if err = c.s.checkErr(err, "pgwire: cursor close failed", false); err != nil {
			return err
		}
		if err = c.s.drainToReady(c.ctx); err != nil {
			return err
		}
		if err = c.s.finish(); err != nil {
			return err
		}
	}
	return c.closeStmt()
}

func (c *Cursor) closeStmt() error {
	if !c.ownStmt {
		return nil
	}
	c.ownStmt = false
	return c.st.Close()
}
