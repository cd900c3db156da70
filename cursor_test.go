package pgwire

import (
	"context"
	"fmt"
	"io"
	"testing"
)

func TestCursorBatches(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		if err := be.acceptStartup(); err != nil {
			return err
		}
		err := execScript(be, [2]string{"begin", "BEGIN"})
		if err != nil {
			return err
		}
		if _, err = be.describePrepare("select id, name from person",
			nil, personCols); err != nil {
			return err
		}

		// first batch: Bind binds a named portal, Execute is bounded
		m, err := be.expect(bindTag)
		if err != nil {
			return err
		}
		portal := m.(*bind).portal
		if portal == "" {
			return fmt.Errorf("backend: expected a named portal")
		}
		if m, err = be.expect(executeTag); err != nil {
			return err
		}
		x := m.(*execute)
		if x.portal != portal || x.maxRows != 2 {
			return fmt.Errorf("backend: execute %q/%d, expected %q/2",
				x.portal, x.maxRows, portal)
		}
		if _, err = be.expect(syncTag); err != nil {
			return err
		}
		err = be.send(
			emptyMsg{newMsg(bindCompleteTag)},
			dataRow{msg: newMsg(dataRowTag), values: [][]byte{i32(1), txt("Steven")}},
			dataRow{msg: newMsg(dataRowTag), values: [][]byte{i32(2), txt("Ada")}},
			emptyMsg{newMsg(portalSuspendedTag)},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txActive})
		if err != nil {
			return err
		}

		// second batch, requested on demand
		if m, err = be.expect(executeTag); err != nil {
			return err
		}
		if x := m.(*execute); x.portal != portal || x.maxRows != 2 {
			return fmt.Errorf("backend: unexpected second execute %q/%d", x.portal, x.maxRows)
		}
		if _, err = be.expect(syncTag); err != nil {
			return err
		}
		err = be.send(
			dataRow{msg: newMsg(dataRowTag), values: [][]byte{i32(3), txt("Grace")}},
			commandComplete{msg: newMsg(commandCompleteTag), tagStr: "SELECT 3"},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txActive})
		if err != nil {
			return err
		}

		// cursor close releases the statement
		if m, err = be.expect(closeTag); err != nil {
			return err
		}
		if m.(*closeMsg).kind != describeStmt {
			return fmt.Errorf("backend: expected a statement close")
		}
		if _, err = be.expect(syncTag); err != nil {
			return err
		}
		err = be.send(
			emptyMsg{newMsg(closeCompleteTag)},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txActive})
		if err != nil {
			return err
		}

		err = execScript(be, [2]string{"commit", "COMMIT"})
		if err != nil {
			return err
		}
		return be.waitClose()
	})

	conn := Must(srv.connect())
	defer conn.Close()
	ctx := context.Background()

	tx := Must(conn.Begin(ctx))

	cur, err := tx.LazyQuery(ctx, "select id, name from person", 2)
	if err != nil {
		t.Fatalf("lazy query failed: %s", err)
	}

	var ids []int64
	vals := make([]interface{}, 2)
	for {
		if err = cur.Next(vals); err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("next failed: %s", err)
		}
		ids = append(ids, vals[0].(int64))
	}
	if len(ids) != 3 || ids[0] != 1 || ids[1] != 2 || ids[2] != 3 {
		t.Errorf("unexpected ids: %v", ids)
	}
	if err = cur.Close(); err != nil {
		t.Fatalf("cursor close failed: %s", err)
	}

	if err = tx.Commit(ctx); err != nil {
		t.Fatalf("commit failed: %s", err)
	}

	conn.Close()
	srv.wait()
}

func TestCursorCloseMidBatch(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		if err := be.acceptStartup(); err != nil {
			return err
		}
		err := execScript(be, [2]string{"begin", "BEGIN"})
		if err != nil {
			return err
		}
		if _, err = be.describePrepare("select id from person",
			nil, personCols[:1]); err != nil {
			return err
		}

		m, err := be.expect(bindTag)
		if err != nil {
			return err
		}
		portal := m.(*bind).portal
		if _, err = be.expect(executeTag); err != nil {
			return err
		}
		if _, err = be.expect(syncTag); err != nil {
			return err
		}
		err = be.send(
			emptyMsg{newMsg(bindCompleteTag)},
			dataRow{msg: newMsg(dataRowTag), values: [][]byte{i32(1)}},
			dataRow{msg: newMsg(dataRowTag), values: [][]byte{i32(2)}},
			emptyMsg{newMsg(portalSuspendedTag)},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txActive})
		if err != nil {
			return err
		}

		// abandoning the cursor drops the portal, not another batch
		if m, err = be.expect(closeTag); err != nil {
			return err
		}
		c := m.(*closeMsg)
		if c.kind != describePortal || c.name != portal {
			return fmt.Errorf("backend: close %c %q, expected portal %q", c.kind, c.name, portal)
		}
		if _, err = be.expect(syncTag); err != nil {
			return err
		}
		err = be.send(
			emptyMsg{newMsg(closeCompleteTag)},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txActive})
		if err != nil {
			return err
		}

		err = execScript(be, [2]string{"rollback", "ROLLBACK"})
		if err != nil {
			return err
		}
		return be.waitClose()
	})

	conn := Must(srv.connect())
	defer conn.Close()
	ctx := context.Background()

	tx := Must(conn.Begin(ctx))

	st := Must(tx.Prepare(ctx, "select id from person"))
	cur, err := st.LazyQuery(ctx, 2)
	if err != nil {
		t.Fatalf("lazy query failed: %s", err)
	}

	// read a single row of the first batch, then abandon the cursor
	vals := make([]interface{}, 1)
	if err = cur.Next(vals); err != nil {
		t.Fatalf("next failed: %s", err)
	}
	if err = cur.Close(); err != nil {
		t.Fatalf("cursor close failed: %s", err)
	}

	tx.SetRollback()
	if err = tx.Finish(ctx); err != nil {
		t.Fatalf("finish failed: %s", err)
	}

	conn.Close()
	srv.wait()
}

func TestLazyQueryNeedsTransaction(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		if err := be.acceptStartup(); err != nil {
			return err
		}
		if _, err := be.describePrepare("select id from person",
			nil, personCols[:1]); err != nil {
			return err
		}
		return be.waitClose()
	})

	conn := Must(srv.connect())
	defer conn.Close()
	ctx := context.Background()

	st := Must(conn.Prepare(ctx, "select id from person"))
	if _, err := st.LazyQuery(ctx, 10); err == nil {
		t.Fatal("expected an error outside a transaction")
	}

	conn.Close()
	srv.wait()
}
