package pgwire

// A scripted in-process server for the tests. Each test provides a
// script run against the accepted connection; the script reads the
// frontend messages it expects and answers with canned backend
// messages, so the whole dialing, framing and conversation machinery
// is exercised without a live instance.

import (
	"fmt"
	"io"
	"net"
	"testing"
	"time"
)

const (
	testUser     = "alice"
	testPassword = "hunter2"
	testDatabase = "app"
)

// backend is the server half of a scripted connection
type backend struct {
	c net.Conn
	b *buf
}

func newBackend(c net.Conn) *backend {
	return &backend{c: c, b: newBuf(c)}
}

func (be *backend) send(msgs ...messageWriter) error {
	return be.b.send(nil, msgs...)
}

// receive reads one frontend message
func (be *backend) receive() (tag, messageReader, error) {
	t := tag(be.b.pe.ReadByte())
	size := int(be.b.pe.Int32()) - 4
	if err := be.b.pe.Err(); err != nil {
		return 0, nil, err
	}

	var msg messageReader
	switch t {
	case bindTag:
		msg = &bind{msg: newMsg(t)}
	case closeTag:
		msg = &closeMsg{msg: newMsg(t)}
	case describeTag:
		msg = &describe{msg: newMsg(t)}
	case executeTag:
		msg = &execute{msg: newMsg(t)}
	case parseTag:
		msg = &parse{msg: newMsg(t)}
	case passwordTag:
		msg = &password{msg: newMsg(t)}
	case syncTag, flushTag, terminateTag:
		msg = &emptyMsg{newMsg(t)}
	default:
		return t, nil, fmt.Errorf("backend: unexpected frontend message %s", t)
	}
	return t, msg, be.b.readMsg(msg, size)
}

// expect reads one message and checks its tag
func (be *backend) expect(want tag) (messageReader, error) {
	t, msg, err := be.receive()
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, fmt.Errorf("backend: got %s, expected %s", t, want)
	}
	return msg, nil
}

// acceptStartup reads the startup message and answers a trusted
// session: no password, a few run-time parameters, key data and
// ReadyForQuery.
func (be *backend) acceptStartup() error {
	return be.acceptStartupEncoding("UTF8")
}

// acceptStartupEncoding is acceptStartup reporting the given
// client_encoding
func (be *backend) acceptStartupEncoding(enc string) error {
	var su startup
	if err := be.b.readStartup(&su); err != nil {
		return err
	}
	if su.params["user"] != testUser {
		return fmt.Errorf("backend: got user %q", su.params["user"])
	}
	if su.params["database"] != testDatabase {
		return fmt.Errorf("backend: got database %q", su.params["database"])
	}
	return be.send(
		authentication{msg: newMsg(authenticationTag), authType: authOK},
		parameterStatus{msg: newMsg(parameterStatusTag),
			name: "server_version", value: "16.3"},
		parameterStatus{msg: newMsg(parameterStatusTag),
			name: "client_encoding", value: enc},
		backendKeyData{msg: newMsg(backendKeyDataTag),
			processID: 4242, secretKey: 1717},
		readyForQuery{msg: newMsg(readyForQueryTag), status: txIdle})
}

// expectExec verifies an unnamed parse/bind/execute/sync round
// for the given query text
func (be *backend) expectExec(query string) error {
	m, err := be.expect(parseTag)
	if err != nil {
		return err
	}
	if got := m.(*parse).query; got != query {
		return fmt.Errorf("backend: got query %q, expected %q", got, query)
	}
	if _, err = be.expect(bindTag); err != nil {
		return err
	}
	if _, err = be.expect(executeTag); err != nil {
		return err
	}
	_, err = be.expect(syncTag)
	return err
}

// completeExec answers a row-less execution
func (be *backend) completeExec(tagStr string, status byte) error {
	return be.send(
		emptyMsg{newMsg(parseCompleteTag)},
		emptyMsg{newMsg(bindCompleteTag)},
		commandComplete{msg: newMsg(commandCompleteTag), tagStr: tagStr},
		readyForQuery{msg: newMsg(readyForQueryTag), status: status})
}

// failExec answers an execution with an error
func (be *backend) failExec(code, message string, status byte) error {
	return be.send(
		errorResponse{msg: newMsg(errorResponseTag),
			ServerError: ServerError{Severity: "ERROR", Code: code, Message: message}},
		readyForQuery{msg: newMsg(readyForQueryTag), status: status})
}

// waitClose consumes messages until Terminate or the peer hangup
func (be *backend) waitClose() error {
	for {
		t, _, err := be.receive()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if t == terminateTag {
			return nil
		}
	}
}

// testServer accepts loopback connections and runs the script
// against each of them
type testServer struct {
	t    *testing.T
	ln   net.Listener
	dsn  string
	errc chan error
}

func newTestServer(t *testing.T, script func(be *backend) error) *testServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %s", err)
	}
	srv := &testServer{t: t, ln: ln, errc: make(chan error, 8),
		dsn: "postgres://" + testUser + ":" + testPassword + "@" +
			ln.Addr().String() + "/" + testDatabase}

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				srv.errc <- script(newBackend(conn))
			}(conn)
		}
	}()
	t.Cleanup(func() { ln.Close() })
	return srv
}

// wait blocks until one script run finished and reports its error
func (srv *testServer) wait() {
	srv.t.Helper()
	select {
	case err := <-srv.errc:
		if err != nil && err != io.EOF {
			srv.t.Errorf("backend script failed: %s", err)
		}
	case <-time.After(5 * time.Second):
		srv.t.Error("backend script did not finish")
	}
}

// connect opens a client connection to the scripted server
func (srv *testServer) connect() (*Conn, error) {
	return NewConn(srv.dsn)
}

//
// wire value helpers
//

func txt(s string) []byte {
	return []byte(s)
}

func i32(v int32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func int4Col(name string) column {
	return column{name: name, typOID: Int4, typLen: 4, typMod: -1, format: formatBinary}
}

func textCol(name string) column {
	return column{name: name, typOID: Text, typLen: -1, typMod: -1, format: formatText}
}
