package pgwire

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestHandshakeTrust(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		if err := be.acceptStartup(); err != nil {
			return err
		}
		return be.waitClose()
	})

	conn, err := srv.connect()
	if err != nil {
		t.Fatalf("connect failed: %s", err)
	}
	defer conn.Close()

	if got := conn.Parameter("server_version"); got != "16.3" {
		t.Errorf("server_version = %q, expected 16.3", got)
	}
	if conn.status != txIdle {
		t.Errorf("status = %q, expected idle", conn.status)
	}
	if conn.processID != 4242 || conn.secretKey != 1717 {
		t.Errorf("unexpected key data %d/%d", conn.processID, conn.secretKey)
	}

	conn.Close()
	srv.wait()
}

func TestHandshakeCleartext(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		var su startup
		if err := be.b.readStartup(&su); err != nil {
			return err
		}
		err := be.send(authentication{msg: newMsg(authenticationTag),
			authType: authCleartext})
		if err != nil {
			return err
		}
		m, err := be.expect(passwordTag)
		if err != nil {
			return err
		}
		if got := m.(*password).password; got != testPassword {
			return fmt.Errorf("backend: got password %q", got)
		}
		err = be.send(
			authentication{msg: newMsg(authenticationTag), authType: authOK},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txIdle})
		if err != nil {
			return err
		}
		return be.waitClose()
	})

	conn, err := srv.connect()
	if err != nil {
		t.Fatalf("connect failed: %s", err)
	}
	conn.Close()
	srv.wait()
}

func TestHandshakeMD5(t *testing.T) {
	// md5(md5("hunter2" + "alice") + 0x01020304)
	const want = "md57f80f230474a70cd9e46eeef688e62fa"

	srv := newTestServer(t, func(be *backend) error {
		var su startup
		if err := be.b.readStartup(&su); err != nil {
			return err
		}
		err := be.send(authentication{msg: newMsg(authenticationTag),
			authType: authMD5, salt: [4]byte{1, 2, 3, 4}})
		if err != nil {
			return err
		}
		m, err := be.expect(passwordTag)
		if err != nil {
			return err
		}
		if got := m.(*password).password; got != want {
			return fmt.Errorf("backend: got md5 response %q, expected %q", got, want)
		}
		err = be.send(
			authentication{msg: newMsg(authenticationTag), authType: authOK},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txIdle})
		if err != nil {
			return err
		}
		return be.waitClose()
	})

	conn, err := srv.connect()
	if err != nil {
		t.Fatalf("connect failed: %s", err)
	}
	conn.Close()
	srv.wait()
}

func TestHandshakeRejected(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		var su startup
		if err := be.b.readStartup(&su); err != nil {
			return err
		}
		err := be.send(authentication{msg: newMsg(authenticationTag),
			authType: authCleartext})
		if err != nil {
			return err
		}
		if _, err = be.expect(passwordTag); err != nil {
			return err
		}
		// the server reports the rejection and hangs up, no ReadyForQuery
		return be.send(errorResponse{msg: newMsg(errorResponseTag),
			ServerError: ServerError{Severity: "FATAL", Code: "28P01",
				Message: "password authentication failed"}})
	})

	_, err := srv.connect()
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, expected an AuthError", err)
	}
	var serverErr *ServerError
	if !errors.As(err, &serverErr) || serverErr.Code != "28P01" {
		t.Errorf("got %v, expected the wrapped 28P01 server error", err)
	}
	srv.wait()
}

func TestHandshakeUnsupportedMethod(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		var su startup
		if err := be.b.readStartup(&su); err != nil {
			return err
		}
		// scram-sha-256
		return be.send(authentication{msg: newMsg(authenticationTag), authType: 10})
	})

	_, err := srv.connect()
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("got %v, expected an AuthError", err)
	}
	if authErr.Method != "scram-sha-256" {
		t.Errorf("method = %q, expected scram-sha-256", authErr.Method)
	}
	srv.wait()
}

func TestExecReportsAffectedRows(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		if err := be.acceptStartup(); err != nil {
			return err
		}
		if err := be.expectExec("delete from person"); err != nil {
			return err
		}
		if err := be.completeExec("DELETE 3", txIdle); err != nil {
			return err
		}
		return be.waitClose()
	})

	conn, err := srv.connect()
	if err != nil {
		t.Fatalf("connect failed: %s", err)
	}
	defer conn.Close()

	res, err := conn.Exec(context.Background(), "delete from person")
	if err != nil {
		t.Fatalf("exec failed: %s", err)
	}
	if n, _ := res.RowsAffected(); n != 3 {
		t.Errorf("affected = %d, expected 3", n)
	}
	if res.CommandTag() != "DELETE 3" {
		t.Errorf("tag = %q, expected DELETE 3", res.CommandTag())
	}

	conn.Close()
	srv.wait()
}

func TestServerErrorKeepsSessionUsable(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		if err := be.acceptStartup(); err != nil {
			return err
		}
		if err := be.expectExec("select * from missing"); err != nil {
			return err
		}
		if err := be.failExec("42P01", `relation "missing" does not exist`, txIdle); err != nil {
			return err
		}
		if err := be.expectExec("select 1"); err != nil {
			return err
		}
		if err := be.completeExec("SELECT 1", txIdle); err != nil {
			return err
		}
		return be.waitClose()
	})

	conn, err := srv.connect()
	if err != nil {
		t.Fatalf("connect failed: %s", err)
	}
	defer conn.Close()

	_, err = conn.Exec(context.Background(), "select * from missing")
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("got %v, expected a server error", err)
	}
	if serverErr.Code != "42P01" {
		t.Errorf("code = %q, expected 42P01", serverErr.Code)
	}

	// the session survived and reached ReadyForQuery again
	if err = conn.Ping(context.Background()); err != nil {
		t.Errorf("ping after error failed: %s", err)
	}

	conn.Close()
	srv.wait()
}

func TestFirstServerErrorWins(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		if err := be.acceptStartup(); err != nil {
			return err
		}
		if err := be.expectExec("drop table audit"); err != nil {
			return err
		}
		// two errors before ReadyForQuery, the first one triggered
		// the failure
		err := be.send(
			errorResponse{msg: newMsg(errorResponseTag),
				ServerError: ServerError{Severity: "ERROR", Code: "42501",
					Message: "permission denied for table audit"}},
			errorResponse{msg: newMsg(errorResponseTag),
				ServerError: ServerError{Severity: "ERROR", Code: "25P02",
					Message: "current transaction is aborted"}},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txIdle})
		if err != nil {
			return err
		}
		return be.waitClose()
	})

	conn, err := srv.connect()
	if err != nil {
		t.Fatalf("connect failed: %s", err)
	}
	defer conn.Close()

	_, err = conn.Exec(context.Background(), "drop table audit")
	var serverErr *ServerError
	if !errors.As(err, &serverErr) {
		t.Fatalf("got %v, expected a server error", err)
	}
	if serverErr.Code != "42501" {
		t.Errorf("code = %q, expected the first error 42501", serverErr.Code)
	}

	conn.Close()
	srv.wait()
}

func TestNoticeHandler(t *testing.T) {
	srv := newTestServer(t, func(be *backend) error {
		if err := be.acceptStartup(); err != nil {
			return err
		}
		if err := be.expectExec("select 1"); err != nil {
			return err
		}
		err := be.send(
			emptyMsg{newMsg(parseCompleteTag)},
			emptyMsg{newMsg(bindCompleteTag)},
			errorResponse{msg: newMsg(noticeResponseTag),
				ServerError: ServerError{Severity: "NOTICE", Code: "00000",
					Message: "the server has opinions"}},
			commandComplete{msg: newMsg(commandCompleteTag), tagStr: "SELECT 1"},
			readyForQuery{msg: newMsg(readyForQueryTag), status: txIdle})
		if err != nil {
			return err
		}
		return be.waitClose()
	})

	conn, err := srv.connect()
	if err != nil {
		t.Fatalf("connect failed: %s", err)
	}
	defer conn.Close()

	var notices []ServerError
	conn.SetNoticeHandler(func(n ServerError) {
		notices = append(notices, n)
	})

	if _, err = conn.Exec(context.Background(), "select 1"); err != nil {
		t.Fatalf("exec failed: %s", err)
	}
	if len(notices) != 1 || notices[0].Message != "the server has opinions" {
		t.Errorf("unexpected notices: %v", notices)
	}

	conn.Close()
	srv.wait()
}
