package pgwire

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
)

// Stmt is a prepared statement.
// It lives on the connection which prepared it and holds the parameter
// and result descriptions reported by the server.
type Stmt struct {
	s       *session
	ID      int64
	name    string
	query   string
	ctx     context.Context
	columns []column // result description, empty for row-less statements

	paramOIDs     []OID
	resultFormats []int16
	closed        bool
}

var stmtID int64

// pool for IDs, to eventually reuse them
var idPool = sync.Pool{
	New: func() interface{} {
		atomic.AddInt64(&stmtID, 1)
		return &stmtID
	},
}

// newStmt parses the statement server-side and fetches its
// parameter and result descriptions
func newStmt(ctx context.Context, s *session, query string) (*Stmt, error) {
	st := &Stmt{s: s, ctx: ctx, query: query}
	if !s.valid {
		return st, ErrBadConn
	}

	// get a statement number
	st.ID = *idPool.Get().(*int64)
	st.name = "s_" + strconv.FormatInt(st.ID, 10)

	err := s.b.send(ctx,
		parse{msg: newMsg(parseTag), name: st.name, query: query},
		describe{msg: newMsg(describeTag), kind: describeStmt, name: st.name},
		syncMsg)
	if err = s.checkErr(err, "pgwire: prepare send failed", false); err != nil {
		return st, err
	}
	s.clearResult()

	paramDesc := &parameterDescription{msg: newMsg(parameterDescTag)}
	rowDesc := &rowDescription{msg: newMsg(rowDescriptionTag)}

	// parse parameters and result info.
	// NoData replaces the row description for row-less statements
	// and is skipped by length.
	for f := s.initState(ctx, map[tag]messageReader{
		parameterDescTag:  paramDesc,
		rowDescriptionTag: rowDesc}); f != nil; f = f(s.state) {
	}
	if err = s.checkErr(s.state.err, "pgwire: prepare failed", true); err != nil {
		return st, err
	}
	if err = s.finish(); err != nil {
		return st, err
	}

	st.paramOIDs = paramDesc.oids
	st.columns = rowDesc.columns

	// request binary results wherever a codec exists
	st.resultFormats = make([]int16, len(st.columns))
	for i := range st.columns {
		st.resultFormats[i] = resultFormat(st.columns[i].typOID)
		st.columns[i].format = st.resultFormats[i]
	}

	return st, nil
}

// Prepare parses a statement server-side and returns it,
// ready to be run with Exec or Query.
func (c *Conn) Prepare(ctx context.Context, query string) (*Stmt, error) {
	return newStmt(ctx, c.session, query)
}

// NumInput returns the number of parameters of the statement
func (st *Stmt) NumInput() int {
	return len(st.paramOIDs)
}

// ParamOIDs returns the parameter type oids inferred by the server
func (st *Stmt) ParamOIDs() []OID {
	return st.paramOIDs
}

// Columns returns the result column names
func (st *Stmt) Columns() (columns []string) {
	columns = make([]string, len(st.columns))
	for i, c := range st.columns {
		columns[i] = c.name
	}
	return
}

// encodeParams serializes the arguments against the statement's
// parameter oids. Nothing is sent when a value cannot be encoded
// or when the count does not match.
func encodeParams(args []interface{}, oids []OID) (params [][]byte, formats []int16, err error) {
	if len(args) != len(oids) {
		return nil, nil, fmt.Errorf("%w, expected %d, got %d",
			ErrParamCount, len(oids), len(args))
	}
	params = make([][]byte, len(args))
	formats = make([]int16, len(args))
	for i, arg := range args {
		if params[i], formats[i], err = encodeValue(arg, oids[i]); err != nil {
			return nil, nil, err
		}
	}
	return params, formats, nil
}

// send binds the portal and sends the execute request
func (st *Stmt) send(ctx context.Context, portal string, maxRows int32,
	args []interface{}) (err error) {
	if !st.s.valid {
		return ErrBadConn
	}
	if st.closed {
		return fmt.Errorf("pgwire: statement is closed")
	}

	params, formats, err := encodeParams(args, st.paramOIDs)
	if err != nil {
		return err
	}

	err = st.s.b.send(ctx,
		bind{msg: newMsg(bindTag), portal: portal, stmt: st.name,
			paramFormats: formats, params: params,
			resultFormats: st.resultFormats},
		execute{msg: newMsg(executeTag), portal: portal, maxRows: maxRows},
		syncMsg)
	st.s.clearResult()

	return err
}

// Exec runs the statement with the given parameters and
// returns the completion result. Rows, if any, are discarded.
func (st *Stmt) Exec(ctx context.Context, args ...interface{}) (*Result, error) {
	if err := st.send(ctx, "", 0, args); err != nil {
		return &emptyResult, st.s.checkErr(err, "pgwire: send failed while execing", false)
	}

	for f := st.s.initState(ctx, map[tag]messageReader{}); f != nil; f = f(st.s.state) {
	}
	if err := st.s.checkErr(st.s.state.err, "pgwire: exec failed", true); err != nil {
		return &emptyResult, err
	}
	return st.s.res, st.s.finish()
}

// Query runs the statement with the given parameters and
// returns the resulting rows
func (st *Stmt) Query(ctx context.Context, args ...interface{}) (*Rows, error) {
	if err := st.send(ctx, "", 0, args); err != nil {
		return &emptyRows, st.s.checkErr(err, "pgwire: send failed while querying", false)
	}
	return newRows(ctx, st.s, st.columns), nil
}

// Close releases the statement server-side
func (st *Stmt) Close() error {
	if st.closed {
		return nil
	}
	st.closed = true
	if !st.s.valid {
		return ErrBadConn
	}

	err := st.s.b.send(st.ctx,
		closeMsg{msg: newMsg(closeTag), kind: describeStmt, name: st.name},
		syncMsg)
	if err = st.s.checkErr(err, "pgwire: statement close failed", false); err != nil {
		return err
	}
	if err = st.s.drainToReady(st.ctx); err != nil {
		return err
	}
	return st.s.finish()
}

// Exec runs a query with parameters through the unnamed statement.
// Rows, if any, are discarded.
func (c *Conn) Exec(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	if len(args) == 0 {
		return c.session.simpleExec(ctx, query)
	}
	rows, err := c.session.query(ctx, query, args)
	if err != nil {
		return &emptyResult, err
	}
	if err = rows.Close(); err != nil {
		return &emptyResult, err
	}
	return rows.Result(), nil
}

// Query runs a query through the unnamed statement and returns
// the resulting rows
func (c *Conn) Query(ctx context.Context, query string, args ...interface{}) (*Rows, error) {
	return c.session.query(ctx, query, args)
}

// query describes the unnamed statement in a first exchange bounded by
// Flush, then binds, executes and syncs. Parameter encoding only
// happens once the server reported the inferred oids.
func (s *session) query(ctx context.Context, query string, args []interface{}) (rows *Rows, err error) {
	if !s.valid {
		return &emptyRows, ErrBadConn
	}
	s.clearResult()

	err = s.b.send(ctx,
		parse{msg: newMsg(parseTag), query: query},
		describe{msg: newMsg(describeTag), kind: describeStmt},
		flushMsg)
	if err = s.checkErr(err, "pgwire: query send failed", false); err != nil {
		return &emptyRows, err
	}

	paramDesc := &parameterDescription{msg: newMsg(parameterDescTag)}
	rowDesc := &rowDescription{msg: newMsg(rowDescriptionTag)}
	noData := &emptyMsg{newMsg(noDataTag)}

	// the flush reply ends with the result description, or with an
	// error after which the server waits for a Sync
	described := false
	for f := s.initState(ctx, map[tag]messageReader{
		parameterDescTag:  paramDesc,
		rowDescriptionTag: rowDesc,
		noDataTag:         noData}); f != nil; f = f(s.state) {
		if s.state.t == rowDescriptionTag || s.state.t == noDataTag {
			described = true
			break
		}
		if s.state.t == errorResponseTag {
			break
		}
	}
	if err = s.checkErr(s.state.err, "pgwire: query failed", false); err != nil {
		return &emptyRows, err
	}

	if !described {
		return &emptyRows, s.resync(ctx, nil)
	}

	params, formats, err := encodeParams(args, paramDesc.oids)
	if err != nil {
		return &emptyRows, s.resync(ctx, err)
	}

	columns := rowDesc.columns
	resultFormats := make([]int16, len(columns))
	for i := range columns {
		resultFormats[i] = resultFormat(columns[i].typOID)
		columns[i].format = resultFormats[i]
	}

	err = s.b.send(ctx,
		bind{msg: newMsg(bindTag), paramFormats: formats, params: params,
			resultFormats: resultFormats},
		execute{msg: newMsg(executeTag)},
		syncMsg)
	if err = s.checkErr(err, "pgwire: query send failed", false); err != nil {
		return &emptyRows, err
	}

	return newRows(ctx, s, columns), nil
}

// resync ends an aborted Flush-bounded exchange: it sends the pending
// Sync, drains to ReadyForQuery and reports the first error met.
func (s *session) resync(ctx context.Context, cause error) error {
	if err := s.b.send(ctx, syncMsg); err != nil {
		return s.checkErr(err, "pgwire: resync send failed", false)
	}
	if err := s.drainToReady(ctx); err != nil {
		return err
	}
	if err := s.finish(); err != nil && cause == nil {
		return err
	}
	return cause
}

// SelectValue runs the query and returns the first value of the
// first row. Handy for settings and counters.
func (s *session) SelectValue(ctx context.Context, query string) (value interface{}, err error) {
	rows, err := s.query(ctx, query, nil)
	if err != nil {
		return nil, s.checkErr(err, "pgwire: select value failed", false)
	}
	defer rows.Close()

	vals := make([]interface{}, 1)
	err = rows.Next(vals)
	if err != io.EOF && err != nil {
		return nil, err
	}
	return vals[0], nil
}
