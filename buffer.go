package pgwire

// All message framing goes here: one byte tag, four byte big-endian
// length covering itself, then the payload.
// No protocol logic except bytes shuffling.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/text/encoding"

	bin "github.com/mvan/pgwire/binary"
)

const maxMsgBufSize = 25000

// defaultCancelTimeout is the number of seconds to wait for the backend
// to acknowledge a cancel before the read deadline fires
const defaultCancelTimeout = 10

// buf frames protocol messages onto and off the byte stream
type buf struct {
	rw io.ReadWriter
	wb bytes.Buffer // request buffer, flushed in a single write
	mb bytes.Buffer // message buffer, used to easily compute message length
	me bin.Encoder  // message encoder. Writes to the message buffer
	we bin.Encoder  // frame encoder. Writes to the request buffer
	pe bin.Encoder  // wire encoder. Reads from the network

	// Timeouts/context variables
	cancelFn      func() error // out-of-band cancel request hook
	cancelErr     error
	inCancel      int32 // set to 1 if a cancel request is pending
	WriteTimeout  int
	ReadTimeout   int
	CancelTimeout int

	// converts text values from client_encoding, nil when none is needed
	textDecoder *encoding.Decoder

	defaultMessageMap map[tag]messageReader
}

// newBuf inits a buffer struct with the different buffers
// for message bodies and frames
func newBuf(rw io.ReadWriter) *buf {
	b := new(buf)
	b.rw = rw
	b.me = bin.NewEncoder(&b.mb)
	b.we = bin.NewEncoder(&b.wb)
	b.pe = bin.NewEncoder(rw)
	b.CancelTimeout = defaultCancelTimeout
	return b
}

// SetCharset changes the charset for the message and wire encoders.
// utf-8 is the native encoding, it clears any previous conversion.
// SQL_ASCII declares no encoding at all, bytes pass through untouched.
func (b *buf) SetCharset(c string) error {
	switch strings.ToUpper(c) {
	case "UTF8", "SQL_ASCII":
		b.me.SetCharset(nil)
		b.pe.SetCharset(nil)
		b.textDecoder = nil
		return nil
	}
	e, err := getEncoding(c)
	if err != nil {
		return err
	}
	b.me.SetCharset(e)
	b.pe.SetCharset(e)
	b.textDecoder = e.NewDecoder()
	return nil
}

// decodeText converts a column value from the session's
// client_encoding to utf-8
func (b *buf) decodeText(data []byte) ([]byte, error) {
	if b.textDecoder == nil || data == nil {
		return data, nil
	}
	return b.textDecoder.Bytes(data)
}

// writeMsg serializes the message body, then frames it with
// its tag and length into the request buffer
func (b *buf) writeMsg(msg messageWriter) (err error) {
	b.mb.Reset()

	if err = msg.Write(&b.me); err != nil {
		return err
	}

	if msg.Tag() != noneTag {
		b.we.WriteByte(byte(msg.Tag()))
	}
	b.we.WriteInt32(int32(b.mb.Len()) + 4)
	if err = b.we.Err(); err != nil {
		return err
	}

	_, err = b.mb.WriteTo(&b.wb)

	// reset buffer and check for its size
	if b.mb.Cap() > maxMsgBufSize {
		b.mb = *new(bytes.Buffer)
	}

	return err
}

// send frames a list of messages and flushes them in a single write
func (b *buf) send(ctx context.Context, msgs ...messageWriter) (err error) {
	b.wb.Reset()

	// create a context with a Timeout of WriteTimeout if no particular context given
	if ctx == nil && b.WriteTimeout > 0 {
		var cancelFunc func()
		ctx, cancelFunc = context.WithTimeout(context.Background(), time.Duration(b.WriteTimeout)*time.Second)
		defer cancelFunc()
	}

	// start Timeout watcher
	if ctx != nil {
		if cancel := b.watchCancel(ctx); cancel != nil {
			defer cancel()
		}
	}

	for _, msg := range msgs {
		if err = b.writeMsg(msg); err != nil {
			return err
		}
	}

	// single call to write, needed for concurrent cancel senders
	_, err = b.wb.WriteTo(b.rw)
	return err
}

// readMsg reads one message body of a known size into msg.
// The encoder is limited to the body so a short Read cannot
// run into the next frame, and any unread remainder is skipped.
func (b *buf) readMsg(msg messageReader, size int) (err error) {
	b.pe.LimitRead(int64(size))
	defer b.pe.UnlimitRead()

	if err = msg.Read(&b.pe); err != nil {
		return err
	}

	// drain whatever the message left unread
	if rest := b.pe.Remaining(); rest > 0 {
		b.pe.Skip(rest)
	}
	return b.pe.Err()
}

// readStartup reads the untagged startup message.
// Only used by the backend half, i.e. the test mock server.
func (b *buf) readStartup(s *startup) error {
	size := int(b.pe.Int32()) - 4
	if err := b.pe.Err(); err != nil {
		return err
	}
	return b.readMsg(s, size)
}

// session receive state
type state struct {
	t       tag
	prev    tag // previous tag
	handler func(t tag) error
	msg     map[tag]messageReader
	err     error
	ctx     context.Context
}

// receive state function
type stateFn func(*state) stateFn

// receive reads one message, dispatches it through the message maps,
// runs the handler, and returns the continuation.
//
// When there is no matching message in the maps, the message is
// skipped using its length. The handler stops the pump by returning
// an error (io.EOF for a normal end of conversation).
func (b *buf) receive(s *state) stateFn {
	defer func() {
		s.prev = s.t
	}()
	// create a context with a Timeout of ReadTimeout if no particular context given
	if s.ctx == nil && b.ReadTimeout > 0 {
		var cancelFunc func()
		s.ctx, cancelFunc = context.WithTimeout(context.Background(), time.Duration(b.ReadTimeout)*time.Second)
		defer cancelFunc()
	}

	// start Timeout watcher
	if s.ctx != nil {
		if cancel := b.watchCancel(s.ctx); cancel != nil {
			defer cancel()
		}
	}

	s.t = tag(b.pe.ReadByte())
	size := int(b.pe.Int32()) - 4
	if s.err = b.pe.Err(); s.err != nil {
		// we should not be at EOF here
		if s.err == io.EOF {
			s.err = ProtocolError("pgwire: unexpected EOF while reading message")
		}
		return nil
	}
	if size < 0 {
		s.err = ProtocolError(fmt.Sprintf("pgwire: invalid message length %d", size+4))
		return nil
	}

	// check if the message is in the ones to process
	// and skip it if not found
	msg, ok := b.defaultMessageMap[s.t]
	if !ok {
		msg, ok = s.msg[s.t]
	}

	if !ok {
		b.pe.Skip(int64(size))
		if s.err = b.pe.Err(); s.err != nil {
			return nil
		}
	} else {
		// read the message
		if s.err = b.readMsg(msg, size); s.err != nil {
			return nil
		}

		// call message handler
		if s.err = s.handler(s.t); s.err != nil {
			return nil
		}
	}

	// return
	return func(*state) stateFn {
		return b.receive(s)
	}
}

// watchCancel will start a cancelation goroutine
// if the context can be terminated.
// Returns a function to end the goroutine
func (b *buf) watchCancel(ctx context.Context) func() {
	if done := ctx.Done(); done != nil {
		finished := make(chan struct{})
		go func() {
			select {
			case <-done:
				b.cancel(ctx.Err())
				finished <- struct{}{}
			case <-finished:
			}
		}()
		return func() {
			select {
			case <-finished:
			case finished <- struct{}{}:
			}
		}
	}
	return nil
}

// cancel fires the out-of-band cancel request and bounds the wait
// for the backend's reply with a read deadline.
// The in-flight request keeps being consumed: the backend answers
// it normally, with a query_canceled error when the cancel won.
func (b *buf) cancel(cause error) {
	if swapped := atomic.CompareAndSwapInt32(&b.inCancel, 0, 1); !swapped {
		// cancel already in progress
		return
	}
	b.cancelErr = cause

	if conn, ok := b.rw.(net.Conn); ok {
		conn.SetReadDeadline(time.Now().Add(time.Duration(b.CancelTimeout) * time.Second))
	}

	if b.cancelFn != nil {
		// ignore failures here: worst case the statement runs to completion
		_ = b.cancelFn()
	}
}

// cancelled reports and clears a pending cancel.
// Called once the conversation reached its terminal message.
func (b *buf) cancelled() error {
	if swapped := atomic.CompareAndSwapInt32(&b.inCancel, 1, 0); !swapped {
		return nil
	}
	if conn, ok := b.rw.(net.Conn); ok {
		conn.SetReadDeadline(time.Time{})
	}
	err := b.cancelErr
	b.cancelErr = nil
	return err
}
