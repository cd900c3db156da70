package binary

// Encoder provides encoding facilities to read and write binary data
// in network byte order, as used by the postgres wire protocol.
// It can also read/write strings prefixed with their lengths or
// terminated by a NUL byte, and handle charset conversions.

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/text/encoding"
)

const maxTextSize = 1 << 24

// Encoder reads and writes wire primitives with a sticky error.
// All protocol integers are big-endian.
type Encoder struct {
	rw          io.ReadWriter
	r           io.Reader         // reader. Used to switch to a limited reader
	lr          *io.LimitedReader // set while a read limit is active
	sbuf        [8]byte           // scratch buffer
	charset     encoding.Encoding
	charEncoder *encoding.Encoder
	charDecoder *encoding.Decoder
	err         error
}

// NewEncoder returns an Encoder without charset conversion
func NewEncoder(rw io.ReadWriter) Encoder {
	return Encoder{rw: rw, r: rw}
}

// SetCharset changes the charset used for string conversion.
// A nil encoding disables conversion.
func (erw *Encoder) SetCharset(c encoding.Encoding) {
	erw.charset = c
	if c == nil {
		erw.charEncoder, erw.charDecoder = nil, nil
		return
	}
	erw.charEncoder, erw.charDecoder = c.NewEncoder(), c.NewDecoder()
}

// Write implements io.Writer
func (erw *Encoder) Write(b []byte) (cnt int, err error) {
	if erw.err != nil {
		return
	}
	cnt, erw.err = erw.rw.Write(b[:])
	return cnt, erw.err
}

// Read implements io.Reader
func (erw *Encoder) Read(data []byte) (cnt int, err error) {
	if erw.err != nil {
		return
	}
	cnt, erw.err = io.ReadFull(erw.r, data[:])
	return cnt, erw.err
}

// LimitRead limits the read to n bytes
func (erw *Encoder) LimitRead(n int64) {
	erw.lr = &io.LimitedReader{R: erw.rw, N: n}
	erw.r = erw.lr
}

// Remaining returns the number of unread bytes under the current limit
func (erw *Encoder) Remaining() int64 {
	if erw.lr == nil {
		return 0
	}
	return erw.lr.N
}

// UnlimitRead removes the read limitation
func (erw *Encoder) UnlimitRead() {
	erw.lr = nil
	erw.r = erw.rw
}

// Err reads the last error from the encoder
// and resets the error status
func (erw *Encoder) Err() (err error) {
	err = erw.err
	erw.err = nil
	return err
}

// WriteString writes a string to the underlying writer
func (erw *Encoder) WriteString(data string) int {
	if erw.err != nil {
		return 0
	}

	buf := []byte(data)

	// check if encoder is needed
	if erw.charEncoder != nil {
		buf, erw.err = erw.charEncoder.Bytes(buf)
	}

	cnt, _ := erw.Write(buf)
	return cnt
}

// WriteCString writes a string followed by a NUL terminator.
// Most protocol strings are sent this way.
func (erw *Encoder) WriteCString(data string) {
	erw.WriteString(data)
	erw.WriteByte(0x00)
}

// ReadCString reads bytes up to (and including) a NUL terminator
// and returns the string before it.
func (erw *Encoder) ReadCString() string {
	if erw.err != nil {
		return ""
	}
	var out bytes.Buffer
	for {
		b := erw.ReadByte()
		if erw.err != nil {
			return ""
		}
		if b == 0x00 {
			break
		}
		out.WriteByte(b)
		if out.Len() > maxTextSize {
			erw.err = fmt.Errorf("encoder: unterminated string")
			return ""
		}
	}

	// check if decoding is needed
	if erw.charDecoder != nil {
		decoded, err := erw.charDecoder.Bytes(out.Bytes())
		erw.err = err
		return string(decoded)
	}
	return out.String()
}

// WriteStringWithLen writes a string along with its length.
// The first parameter gives the size of the length field in bits.
// When character set encoding is necessary, the length
// is computed after conversion and properly sent.
func (erw *Encoder) WriteStringWithLen(lenSize int, data string) {
	if erw.err != nil {
		return
	}

	// check if encoder is needed
	if erw.charEncoder != nil {
		data, erw.err = erw.charEncoder.String(data)
		if erw.err != nil {
			return
		}
	}

	stringLen := len([]byte(data))
	switch lenSize {
	case 8:
		erw.WriteUint8(uint8(stringLen))
	case 16:
		erw.WriteUint16(uint16(stringLen))
	case 32:
		erw.WriteUint32(uint32(stringLen))
	}
	if erw.err != nil || stringLen == 0 {
		return
	}
	erw.Write([]byte(data))
}

// ReadStringWithLen reads a string of a known byte length
func (erw *Encoder) ReadStringWithLen(len int) (data string) {
	if erw.err != nil {
		return
	}
	if len < 0 || len > maxTextSize {
		erw.err = fmt.Errorf("encoder: invalid string length: %d", len)
		return
	}
	if len == 0 {
		return ""
	}
	buf := make([]byte, len)
	erw.Read(buf[:])
	if erw.err != nil {
		return
	}

	// check if decoding is needed
	if erw.charDecoder != nil {
		out, err := erw.charDecoder.Bytes(buf)
		erw.err = err
		return string(out)
	}

	return string(buf)
}

func (erw *Encoder) WriteByte(b byte) {
	if erw.err != nil {
		return
	}
	erw.sbuf[0] = b
	_, erw.err = erw.rw.Write(erw.sbuf[:1])
}

func (erw *Encoder) Pad(b byte, cnt int) {
	if erw.err != nil {
		return
	}
	for i := 0; i < cnt; i++ {
		erw.WriteByte(b)
	}
}

func (erw *Encoder) Skip(cnt int64) {
	if erw.err != nil {
		return
	}
	_, erw.err = io.CopyN(io.Discard, erw.r, cnt)
}

func (erw *Encoder) WriteInt8(i int8) {
	erw.WriteUint8(uint8(i))
}

func (erw *Encoder) WriteUint8(i uint8) {
	if erw.err != nil {
		return
	}
	erw.sbuf[0] = byte(i)
	erw.Write(erw.sbuf[:1])
}

func (erw *Encoder) WriteInt16(i int16) {
	erw.WriteUint16(uint16(i))
}

func (erw *Encoder) WriteUint16(i uint16) {
	if erw.err != nil {
		return
	}
	binary.BigEndian.PutUint16(erw.sbuf[:2], i)
	erw.Write(erw.sbuf[:2])
}

func (erw *Encoder) WriteInt32(i int32) {
	erw.WriteUint32(uint32(i))
}

func (erw *Encoder) WriteUint32(i uint32) {
	if erw.err != nil {
		return
	}
	binary.BigEndian.PutUint32(erw.sbuf[:4], i)
	erw.Write(erw.sbuf[:4])
}

func (erw *Encoder) WriteInt64(i int64) {
	erw.WriteUint64(uint64(i))
}

func (erw *Encoder) WriteUint64(i uint64) {
	if erw.err != nil {
		return
	}
	binary.BigEndian.PutUint64(erw.sbuf[:8], i)
	erw.Write(erw.sbuf[:8])
}

func (erw *Encoder) ReadByte() (b byte) {
	if erw.err != nil {
		return
	}
	erw.Read(erw.sbuf[:1])
	return erw.sbuf[0]
}

func (erw *Encoder) Uint8() (i uint8) {
	if erw.err != nil {
		return
	}
	erw.Read(erw.sbuf[:1])
	return uint8(erw.sbuf[0])
}

func (erw *Encoder) Int8() (i int8) {
	return int8(erw.Uint8())
}

func (erw *Encoder) Uint16() (i uint16) {
	if erw.err != nil {
		return
	}
	erw.Read(erw.sbuf[:2])
	return binary.BigEndian.Uint16(erw.sbuf[:2])
}

func (erw *Encoder) Int16() (i int16) {
	return int16(erw.Uint16())
}

func (erw *Encoder) Uint32() (i uint32) {
	if erw.err != nil {
		return
	}
	erw.Read(erw.sbuf[:4])
	return binary.BigEndian.Uint32(erw.sbuf[:4])
}

func (erw *Encoder) Int32() (i int32) {
	return int32(erw.Uint32())
}

func (erw *Encoder) Uint64() (i uint64) {
	if erw.err != nil {
		return
	}
	erw.Read(erw.sbuf[:8])
	return binary.BigEndian.Uint64(erw.sbuf[:8])
}

func (erw *Encoder) Int64() (i int64) {
	return int64(erw.Uint64())
}
