package pgwire

import (
	"context"
	"fmt"
	"strconv"
)

// Tx is one transaction scope. The outermost scope maps to a real
// transaction, nested scopes map to savepoints.
//
// A scope ends exactly once, through Commit, Rollback or Finish.
// Finish applies the scope's disposition, which defaults to commit,
// and is meant to run in a defer so that early returns cannot leak
// an open transaction.
type Tx struct {
	s            *session
	depth        int    // 1 for the outermost scope
	savepoint    string // empty for the outermost scope
	rollbackOnly bool
	done         bool
}

// Begin opens a transaction scope. Inside an already open scope it
// establishes a savepoint instead.
func (c *Conn) Begin(ctx context.Context) (*Tx, error) {
	s := c.session
	if !s.valid {
		return nil, ErrBadConn
	}

	t := &Tx{s: s, depth: s.txDepth + 1}
	var err error
	if s.txDepth == 0 {
		_, err = s.simpleExec(ctx, "begin")
	} else {
		t.savepoint = "sp_" + strconv.Itoa(s.txDepth)
		_, err = s.simpleExec(ctx, "savepoint "+t.savepoint)
	}
	if err != nil {
		return nil, err
	}
	s.txDepth++
	return t, nil
}

// SetRollback marks the scope to roll back when finished
func (t *Tx) SetRollback() {
	t.rollbackOnly = true
}

// SetCommit restores the default disposition
func (t *Tx) SetCommit() {
	t.rollbackOnly = false
}

// checkScope verifies the scope can be ended now
func (t *Tx) checkScope() error {
	if t.done {
		return fmt.Errorf("pgwire: transaction scope already finished")
	}
	if t.s.txDepth != t.depth {
		return fmt.Errorf("pgwire: cannot finish scope %d, scope %d is still open",
			t.depth, t.s.txDepth)
	}
	return nil
}

// Commit ends the scope keeping its work. Committing a failed
// transaction rolls back instead, as the server would refuse to
// commit anything after the failing statement.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.checkScope(); err != nil {
		return err
	}
	if t.s.status == txFailed {
		return t.Rollback(ctx)
	}
	t.done = true
	t.s.txDepth--

	var err error
	if t.savepoint == "" {
		_, err = t.s.simpleExec(ctx, "commit")
	} else {
		_, err = t.s.simpleExec(ctx, "release savepoint "+t.savepoint)
	}
	return err
}

// Rollback ends the scope discarding its work
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.checkScope(); err != nil {
		return err
	}
	t.done = true
	t.s.txDepth--

	if t.savepoint == "" {
		_, err := t.s.simpleExec(ctx, "rollback")
		return err
	}
	if _, err := t.s.simpleExec(ctx, "rollback to savepoint "+t.savepoint); err != nil {
		return err
	}
	_, err := t.s.simpleExec(ctx, "release savepoint "+t.savepoint)
	return err
}

// Finish ends the scope with its disposition if it is still open.
// Safe to defer next to Begin.
func (t *Tx) Finish(ctx context.Context) error {
	if t.done {
		return nil
	}
	if t.rollbackOnly {
		return t.Rollback(ctx)
	}
	return t.Commit(ctx)
}

// Exec runs a query with parameters inside the scope
func (t *Tx) Exec(ctx context.Context, query string, args ...interface{}) (*Result, error) {
	if t.done {
		return &emptyResult, fmt.Errorf("pgwire: transaction scope already finished")
	}
	return (&Conn{session: t.s}).Exec(ctx, query, args...)
}

// Query runs a query inside the scope and returns the resulting rows
func (t *Tx) Query(ctx context.Context, query string, args ...interface{}) (*Rows, error) {
	if t.done {
		return &emptyRows, fmt.Errorf("pgwire: transaction scope already finished")
	}
	return t.s.query(ctx, query, args)
}

// Prepare parses a statement inside the scope
func (t *Tx) Prepare(ctx context.Context, query string) (*Stmt, error) {
	return newStmt(ctx, t.s, query)
}
