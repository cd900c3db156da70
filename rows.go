package pgwire

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sync"
)

// Rows streams the result of a query.
// Values are decoded lazily, one row per call to Next.
type Rows struct {
	s       *session
	row     *dataRow
	rowDesc *rowDescription
	columns []column
	// map indicating which messages are stored where when processing response
	messageMap map[tag]messageReader
	err        error
	done       bool
	ctx        context.Context
}

// rows free list
var rowPool = sync.Pool{
	New: func() interface{} {
		rows := &Rows{row: &dataRow{msg: newMsg(dataRowTag)},
			rowDesc: &rowDescription{msg: newMsg(rowDescriptionTag)}}

		// where to store the messages...
		rows.messageMap = map[tag]messageReader{
			dataRowTag:        rows.row,
			rowDescriptionTag: rows.rowDesc,
		}
		return rows
	},
}

// newRows returns a result set over a conversation whose requests
// were already sent. columns may be nil when the description is
// expected on the stream itself.
func newRows(ctx context.Context, s *session, columns []column) *Rows {
	// get from pool and reset state values
	rows := rowPool.Get().(*Rows)
	rows.s, rows.err, rows.done = s, nil, false
	rows.ctx = ctx
	rows.columns = columns
	return rows
}

// Columns returns the result set's column names
func (r *Rows) Columns() (columns []string) {
	columns = make([]string, len(r.columns))
	for i, c := range r.columns {
		columns[i] = c.name
	}
	return
}

// ColumnTypeScanType returns the Go type produced for the given column
func (r *Rows) ColumnTypeScanType(index int) reflect.Type {
	if index < 0 || index >= len(r.columns) {
		return nil
	}
	if attr, ok := typeAttributes[r.columns[index].typOID]; ok {
		return attr.scanType
	}
	return reflect.TypeOf("")
}

// ColumnTypeDatabaseTypeName returns the server-side type name
// of the given column
func (r *Rows) ColumnTypeDatabaseTypeName(index int) string {
	if index < 0 || index >= len(r.columns) {
		return ""
	}
	if attr, ok := typeAttributes[r.columns[index].typOID]; ok {
		return attr.name
	}
	return fmt.Sprintf("oid %d", r.columns[index].typOID)
}

// Next fetches the next row and decodes its values into dest.
// A nil dest skips the row. dest entries beyond the column count are
// left untouched.
//
// It will return io.EOF at the end of the result set.
func (r *Rows) Next(dest []interface{}) (err error) {
	// row in error, return immediatly
	if r.err != nil {
		return r.err
	}
	if r.done {
		return io.EOF
	}

	// read messages until a row or the end of the conversation
	for f := r.s.initState(r.ctx, r.messageMap); f != nil; f = f(r.s.state) {
		switch r.s.state.t {
		case rowDescriptionTag:
			r.columns = r.rowDesc.columns
		case dataRowTag:
			return r.scan(dest)
		}
	}

	// conversation over: ReadyForQuery, or a failure
	r.done = true
	if err = r.s.checkErr(r.s.state.err, "pgwire: rows fetch failed", true); err != nil {
		r.err = err
		return err
	}
	if err = r.s.finish(); err != nil {
		r.err = err
		return err
	}
	return io.EOF
}

// scan decodes the current raw row into dest
func (r *Rows) scan(dest []interface{}) error {
	if dest == nil {
		return nil
	}
	for i := range dest {
		if i >= len(r.row.values) {
			break
		}
		v, err := r.s.decodeColumn(r.row.values[i], r.columns[i])
		if err != nil {
			return err
		}
		dest[i] = v
	}
	return nil
}

// NextRow fetches the next row and returns a lazy view over it.
// The view is only valid until the next call to Next or NextRow.
func (r *Rows) NextRow() (*Row, error) {
	if err := r.Next(nil); err != nil {
		return nil, err
	}
	return &Row{rows: r}, nil
}

// Result returns the completion result of the statement.
// Only meaningful once the rows were fully consumed.
func (r *Rows) Result() *Result {
	return r.s.res
}

// Close skips all remaining rows
// NB: only return error on unexpected failure.
func (r *Rows) Close() (err error) {
	if r.row == nil {
		// zero value rows, nothing to drain
		return nil
	}
	defer rowPool.Put(r)
	for {
		err = r.Next(nil)
		if err == io.EOF {
			// we reached EOF, exit without error.
			return nil
		} else if err != nil {
			if r.done {
				return err
			}
			// a decode error would leave the stream mid-conversation
			return fmt.Errorf("pgwire: rows.Close failed: %s", err)
		}
	}
}

// Row is a lazy view over the current row of a result set.
// Each access decodes the requested column only.
type Row struct {
	rows *Rows
}

// Index decodes and returns the value of the i-th column
func (row *Row) Index(i int) (interface{}, error) {
	r := row.rows
	if i < 0 || i >= len(r.row.values) {
		return nil, fmt.Errorf("%w: index %d out of %d columns",
			ErrNoColumn, i, len(r.row.values))
	}
	return r.s.decodeColumn(r.row.values[i], r.columns[i])
}

// Get decodes and returns the value of the named column
func (row *Row) Get(name string) (interface{}, error) {
	for i, c := range row.rows.columns {
		if c.name == name {
			return row.Index(i)
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoColumn, name)
}

// Decode hands the raw value of the i-th column to a caller
// provided decoder
func (row *Row) Decode(i int, dest WireDecoder) error {
	r := row.rows
	if i < 0 || i >= len(r.row.values) {
		return fmt.Errorf("%w: index %d out of %d columns",
			ErrNoColumn, i, len(r.row.values))
	}
	return dest.WireDecode(r.columns[i].typOID, r.columns[i].format, r.row.values[i])
}
