package pgwire

import (
	"context"
	"crypto/md5"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// non configurable terminate Timeout
var terminateTimeout = 5

// postgres session.
//
// this struct actually implements the protocol,
// runs the startup handshake, sends queries, processes answers.
// It also embeds the response/query structs
type session struct {
	valid bool
	res   *Result // response info

	// wire buffer to frame, send and read messages
	b *buf
	c io.ReadWriteCloser // net connection

	// parameters
	prm connParams

	// backend identity, used by cancel requests
	processID uint32
	secretKey uint32

	// run-time parameters reported by the server
	params map[string]string

	// backend transaction status from the last ReadyForQuery
	status byte

	// savepoint nesting depth, maintained by Tx
	txDepth int

	// last error of the current conversation
	lastError *ServerError

	// tokens for reuse
	auth      authentication
	keyData   backendKeyData
	paramStat parameterStatus
	ready     readyForQuery
	svrError  errorResponse
	notice    errorResponse
	cmd       commandComplete

	// wire session state
	state *state

	messageMap map[tag]messageReader

	// notice callback
	noticeHandler func(ServerError)
}

// bodyless messages, shared by all conversations
var (
	syncMsg      = emptyMsg{newMsg(syncTag)}
	flushMsg     = emptyMsg{newMsg(flushTag)}
	terminateMsg = emptyMsg{newMsg(terminateTag)}
)

// dial the connection, init the wire buffer, attempt the handshake
func newSession(prm connParams) (s *session, err error) {
	s = &session{auth: authentication{msg: newMsg(authenticationTag)},
		keyData:   backendKeyData{msg: newMsg(backendKeyDataTag)},
		paramStat: parameterStatus{msg: newMsg(parameterStatusTag)},
		ready:     readyForQuery{msg: newMsg(readyForQueryTag)},
		svrError:  errorResponse{msg: newMsg(errorResponseTag)},
		notice:    errorResponse{msg: newMsg(noticeResponseTag)},
		cmd:       commandComplete{msg: newMsg(commandCompleteTag)},
		prm:       prm, status: txUnknown,
		params: map[string]string{}, res: &Result{}}

	// messages processed in every conversation
	s.messageMap = map[tag]messageReader{
		parameterStatusTag: &s.paramStat,
		backendKeyDataTag:  &s.keyData,
		errorResponseTag:   &s.svrError,
		noticeResponseTag:  &s.notice,
		commandCompleteTag: &s.cmd,
		readyForQueryTag:   &s.ready,
	}

	// connect
	if s.c, err = dial(prm); err != nil {
		return s, fmt.Errorf("pgwire: connect failed: %s", err)
	}

	// init wire buffer
	s.b = newBuf(s.c)
	s.b.ReadTimeout, s.b.WriteTimeout = prm.readTimeout, prm.writeTimeout
	s.b.defaultMessageMap = s.messageMap
	s.b.cancelFn = s.sendCancel

	// init state
	s.state = &state{handler: func(t tag) error {
		var err error
		// process all the asynchronous and bookkeeping messages
		// (parameter statuses, notices, errors, completion tags)
		switch t {
		case parameterStatusTag:
			err = s.processParameterStatus()
		case backendKeyDataTag:
			s.processID, s.secretKey = s.keyData.processID, s.keyData.secretKey
		case noticeResponseTag:
			s.processNotice()
		case errorResponseTag:
			s.processError()
		case commandCompleteTag:
			err = s.res.setTag(s.cmd.tagStr)
		case readyForQueryTag:
			// last message for this conversation
			s.status = s.ready.status
			err = io.EOF
		}
		return err
	}}

	// now run the startup handshake
	if err = s.handshake(prm); err != nil {
		s.c.Close()
		return s, err
	}

	s.valid = true
	return s, nil
}

// dial connects to the target host and returns a writer.
func dial(prm connParams) (io.ReadWriteCloser, error) {
	if prm.ssl == "on" {
		return tls.DialWithDialer(&net.Dialer{Timeout: time.Duration(prm.loginTimeout) * time.Second},
			"tcp", prm.host, &tls.Config{InsecureSkipVerify: true})
	}

	return net.DialTimeout("tcp", prm.host,
		time.Duration(prm.loginTimeout)*time.Second)
}

// authentication method names, for error reporting
var authMethodNames = map[int32]string{
	authOK:        "trust",
	2:             "kerberos",
	authCleartext: "password",
	5:             "md5",
	7:             "gss",
	9:             "sspi",
	10:            "scram-sha-256",
}

func authMethodName(code int32) string {
	if name, ok := authMethodNames[code]; ok {
		return name
	}
	return fmt.Sprintf("code %d", code)
}

// handshake sends the startup message and answers the authentication
// requests until the server reports ReadyForQuery.
func (s *session) handshake(prm connParams) (err error) {
	params := map[string]string{"user": prm.user, "database": prm.database}
	if prm.appName != "" {
		params["application_name"] = prm.appName
	}

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(prm.loginTimeout)*time.Second)
	defer cancel()

	if err = s.b.send(ctx, startup{params: params}); err != nil {
		return fmt.Errorf("pgwire: startup send failed: %s", err)
	}
	s.clearResult()

	var method string
	for f := s.initState(ctx,
		map[tag]messageReader{authenticationTag: &s.auth}); f != nil; f = f(s.state) {
		if s.state.t != authenticationTag {
			continue
		}
		method = authMethodName(s.auth.authType)
		switch s.auth.authType {
		case authOK:
		case authCleartext:
			err = s.b.send(ctx, password{msg: newMsg(passwordTag),
				password: prm.password})
		case authMD5:
			err = s.b.send(ctx, password{msg: newMsg(passwordTag),
				password: md5Password(prm.user, prm.password, s.auth.salt)})
		default:
			return &AuthError{Method: method}
		}
		if err != nil {
			return &AuthError{Method: method, Err: err}
		}
	}

	// a rejected handshake may end with the server closing the
	// connection right after its error, before any ReadyForQuery
	if s.lastError != nil {
		err, s.lastError = &AuthError{Method: method, Err: s.lastError}, nil
		return err
	}
	if s.state.err != nil && s.state.err != io.EOF {
		return s.state.err
	}
	return nil
}

// md5Password computes the md5 authentication response,
// that is md5(md5(password + user) + salt) in hex, prefixed with "md5"
func md5Password(user, password string, salt [4]byte) string {
	inner := md5.Sum([]byte(password + user))
	outer := md5.Sum(append([]byte(hex.EncodeToString(inner[:])), salt[:]...))
	return "md5" + hex.EncodeToString(outer[:])
}

// checkErr check if the given error is fatal.
// Server errors are recoverable at the statement level and keep the
// session usable. Transport and protocol errors mark the connection
// as bad. EOF or a cancelled context are simply rethrown so that
// callers can catch them.
func (s *session) checkErr(err error, msg string, ignoreEOF bool) error {
	if !s.valid {
		return ErrBadConn
	}
	// fastpath for io.EOF
	switch err {
	case nil:
		return nil
	case io.EOF:
		if ignoreEOF {
			return nil
		}
		return io.EOF
	case context.Canceled, context.DeadlineExceeded:
		return err
	}

	switch err.(type) {
	case *ServerError:
		return err
	case ProtocolError:
		s.valid = false
		return err
	}

	// anything else means the stream position is lost
	s.valid = false
	return fmt.Errorf("%s: %s", msg, err)
}

// finish closes a conversation which reached ReadyForQuery:
// it raises the error the server reported, if any, and resolves a
// pending cancel. A query_canceled error caused by our own cancel
// request surfaces as the context's error.
func (s *session) finish() error {
	cause := s.b.cancelled()
	if le := s.lastError; le != nil {
		s.lastError = nil
		if cause != nil && le.Code == sqlstateQueryCanceled {
			return cause
		}
		return le
	}
	return nil
}

// sqlstateQueryCanceled is reported for statements killed by a cancel request
const sqlstateQueryCanceled = "57014"

// Close terminates the session
// by sending the terminate message and closing the tcp connection.
func (s *session) Close() error {
	// no connection
	if s.c == nil {
		s.valid = false
		return nil
	}
	defer s.c.Close()
	if !s.valid {
		return nil
	}
	s.valid = false

	ctx, cancel := context.WithTimeout(context.Background(),
		time.Duration(terminateTimeout)*time.Second)
	defer cancel()

	if err := s.b.send(ctx, terminateMsg); err != nil {
		return fmt.Errorf("pgwire: close failed: %s", err)
	}
	return nil
}

// Parameter returns the current value of a run-time parameter
// reported by the server, such as server_version or client_encoding.
func (s *session) Parameter(name string) string {
	return s.params[name]
}

// simpleExec runs a query with no parameters through the unnamed
// statement and returns its result. Rows, if any, are discarded.
func (s *session) simpleExec(ctx context.Context, query string) (res *Result, err error) {
	s.clearResult()
	err = s.b.send(ctx,
		parse{msg: newMsg(parseTag), query: query},
		bind{msg: newMsg(bindTag)},
		execute{msg: newMsg(executeTag)},
		syncMsg)
	if err != nil {
		return s.res, s.checkErr(err, "pgwire: exec send failed", false)
	}

	for f := s.initState(ctx, map[tag]messageReader{}); f != nil; f = f(s.state) {
	}

	if err = s.checkErr(s.state.err, "pgwire: exec failed", true); err != nil {
		return s.res, err
	}
	return s.res, s.finish()
}

// Ping checks the session by running a trivial query
func (s *session) Ping(ctx context.Context) error {
	_, err := s.simpleExec(ctx, "select 1")
	return err
}

// drainToReady consumes messages until ReadyForQuery without
// processing anything besides the default set. Used to resynchronize
// after a failed step of a multi message conversation.
func (s *session) drainToReady(ctx context.Context) error {
	for f := s.initState(ctx, map[tag]messageReader{}); f != nil; f = f(s.state) {
	}
	return s.checkErr(s.state.err, "pgwire: resync failed", true)
}

// sendCancel fires an out-of-band cancel request for the current
// statement on a dedicated short-lived connection.
func (s *session) sendCancel() error {
	if s.processID == 0 && s.secretKey == 0 {
		return errors.New("pgwire: no backend key data")
	}
	conn, err := dial(s.prm)
	if err != nil {
		return err
	}
	defer conn.Close()

	b := newBuf(conn)
	b.WriteTimeout = s.b.CancelTimeout
	return b.send(nil, cancelRequest{processID: s.processID, secretKey: s.secretKey})
}

// Cancel requests the termination of the statement currently running
// on this session. It is safe to call from another goroutine.
func (s *session) Cancel() error {
	return s.sendCancel()
}

// decodeColumn converts the value to utf-8 when the client_encoding
// calls for it, then decodes per the column type
func (s *session) decodeColumn(data []byte, c column) (interface{}, error) {
	if c.format == formatText || isCharOID(c.typOID) {
		var err error
		if data, err = s.b.decodeText(data); err != nil {
			return nil, &ConversionError{OID: c.typOID, Reason: err.Error()}
		}
	}
	return decodeValue(data, c.typOID, c.format)
}

func (s *session) clearResult() {
	s.res = &Result{}
	s.lastError = nil
}

// initiates a new wire state and reads the first message.
// Will also return a state function to read the next message.
func (s *session) initState(ctx context.Context,
	messages map[tag]messageReader) stateFn {
	s.state.ctx, s.state.msg = ctx, messages
	s.state.err = nil
	return s.b.receive(s.state)
}

// record the run-time parameter and follow the server's encoding
func (s *session) processParameterStatus() error {
	s.params[s.paramStat.name] = s.paramStat.value
	if s.paramStat.name == "client_encoding" {
		return s.b.SetCharset(s.paramStat.value)
	}
	return nil
}

func (s *session) processNotice() {
	if s.noticeHandler != nil {
		s.noticeHandler(s.notice.ServerError)
	}
}

// keep the first error until ReadyForQuery, the server discards
// everything up to the next Sync anyway and later errors only
// describe the fallout
func (s *session) processError() {
	if s.lastError != nil {
		return
	}
	se := s.svrError.ServerError
	s.lastError = &se
}
