package pgwire

import (
	"bytes"
	"context"
	"io"
	"testing"

	bin "github.com/mvan/pgwire/binary"

	"github.com/davecgh/go-spew/spew"
)

func TestWriteMsgFraming(t *testing.T) {
	var wire bytes.Buffer
	b := newBuf(&wire)

	err := b.send(context.Background(),
		execute{msg: newMsg(executeTag), portal: "p1", maxRows: 7})
	if err != nil {
		t.Fatalf("send failed: %s", err)
	}

	// tag, length covering itself, then the body
	want := []byte{'E',
		0, 0, 0, 11,
		'p', '1', 0,
		0, 0, 0, 7}
	if !bytes.Equal(wire.Bytes(), want) {
		t.Errorf("got %s expected %s", spew.Sdump(wire.Bytes()), spew.Sdump(want))
	}
}

func TestWriteMsgUntagged(t *testing.T) {
	var wire bytes.Buffer
	b := newBuf(&wire)

	err := b.send(context.Background(), startup{msg: newMsg(noneTag),
		params: map[string]string{"user": "alice"}})
	if err != nil {
		t.Fatalf("send failed: %s", err)
	}

	out := wire.Bytes()
	// no tag byte: the frame starts with the length
	if len(out) < 8 || out[0] != 0 || out[3] != byte(len(out)) {
		t.Fatalf("unexpected frame: %s", spew.Sdump(out))
	}
	// protocol version 3.0 right after the length
	if !bytes.Equal(out[4:8], []byte{0x00, 0x03, 0x00, 0x00}) {
		t.Errorf("missing protocol version: %s", spew.Sdump(out))
	}
}

func TestSendBatchesMessages(t *testing.T) {
	var wire bytes.Buffer
	b := newBuf(&wire)

	err := b.send(context.Background(),
		closeMsg{msg: newMsg(closeTag), kind: describeStmt, name: "s1"},
		syncMsg)
	if err != nil {
		t.Fatalf("send failed: %s", err)
	}

	want := []byte{
		'C', 0, 0, 0, 8, 'S', 's', '1', 0,
		'S', 0, 0, 0, 4}
	if !bytes.Equal(wire.Bytes(), want) {
		t.Errorf("got %s expected %s", spew.Sdump(wire.Bytes()), spew.Sdump(want))
	}
}

// pumpTags runs the receive pump over the wire bytes and collects the
// dispatched tags until the handler sees ReadyForQuery
func pumpTags(t *testing.T, wire *bytes.Buffer, msgs map[tag]messageReader) ([]tag, error) {
	t.Helper()
	b := newBuf(wire)
	ready := &readyForQuery{msg: newMsg(readyForQueryTag)}
	if msgs == nil {
		msgs = map[tag]messageReader{}
	}
	msgs[readyForQueryTag] = ready

	var seen []tag
	s := &state{msg: msgs, handler: func(tg tag) error {
		seen = append(seen, tg)
		if tg == readyForQueryTag {
			return io.EOF
		}
		return nil
	}, ctx: context.Background()}

	for f := b.receive(s); f != nil; f = f(s) {
	}
	if s.err == io.EOF {
		return seen, nil
	}
	return seen, s.err
}

func TestReceiveSkipsUnknownMessages(t *testing.T) {
	var wire bytes.Buffer
	be := newBuf(&wire)
	err := be.send(nil,
		commandComplete{msg: newMsg(commandCompleteTag), tagStr: "SELECT 1"},
		readyForQuery{msg: newMsg(readyForQueryTag), status: txIdle})
	if err != nil {
		t.Fatalf("mock send failed: %s", err)
	}

	// CommandComplete is not in the maps, its bytes are skipped by length
	seen, err := pumpTags(t, &wire, nil)
	if err != nil {
		t.Fatalf("pump failed: %s", err)
	}
	if len(seen) != 1 || seen[0] != readyForQueryTag {
		t.Errorf("got tags %v, expected ReadyForQuery only", seen)
	}
}

func TestReadMsgDrainsRemainder(t *testing.T) {
	var wire bytes.Buffer
	be := newBuf(&wire)
	err := be.send(nil,
		// three columns, but the reader below only consumes the count
		rowDescription{msg: newMsg(rowDescriptionTag), columns: []column{
			int4Col("a"), int4Col("b"), textCol("c")}},
		readyForQuery{msg: newMsg(readyForQueryTag), status: txIdle})
	if err != nil {
		t.Fatalf("mock send failed: %s", err)
	}

	short := &columnCountReader{msg: newMsg(rowDescriptionTag)}
	seen, err := pumpTags(t, &wire, map[tag]messageReader{rowDescriptionTag: short})
	if err != nil {
		t.Fatalf("pump failed: %s", err)
	}
	if short.count != 3 {
		t.Errorf("got %d columns, expected 3", short.count)
	}
	// the unread column fields did not bleed into the next frame
	if len(seen) != 2 || seen[1] != readyForQueryTag {
		t.Errorf("got tags %v, expected RowDescription then ReadyForQuery", seen)
	}
}

// columnCountReader reads only the leading int16 of a RowDescription
type columnCountReader struct {
	msg
	count int16
}

func (c *columnCountReader) Read(e *bin.Encoder) error {
	c.count = e.Int16()
	return e.Err()
}

func TestReceiveTruncatedStream(t *testing.T) {
	wire := bytes.NewBuffer([]byte{'Z', 0, 0, 0})
	if _, err := pumpTags(t, wire, nil); err == nil {
		t.Fatal("expected an error on a truncated frame")
	} else if _, ok := err.(ProtocolError); !ok {
		t.Errorf("got %T, expected a ProtocolError", err)
	}
}

func TestReceiveNegativeLength(t *testing.T) {
	wire := bytes.NewBuffer([]byte{'Z', 0xff, 0xff, 0xff, 0xff})
	if _, err := pumpTags(t, wire, nil); err == nil {
		t.Fatal("expected an error on a negative length")
	} else if _, ok := err.(ProtocolError); !ok {
		t.Errorf("got %T, expected a ProtocolError", err)
	}
}
