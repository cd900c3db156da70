package pgwire

import (
	"fmt"

	bin "github.com/mvan/pgwire/binary"
)

// messageReader is the interface which describes
// the messages read from the wire.
//
// A message provides its deserialization function and its tag.
type messageReader interface {
	Tag() tag
	Read(*bin.Encoder) error
}

// messageWriter is implemented by messages sent to the server
type messageWriter interface {
	Tag() tag
	Write(*bin.Encoder) error
}

// messageReaderWriter is implemented by messages
// which can be read and written
type messageReaderWriter interface {
	messageReader
	Write(*bin.Encoder) error
}

// tag is the single byte identifying a protocol message.
// The startup and cancel messages are untagged and use noneTag.
type tag byte

// frontend message tags
const (
	noneTag      tag = 0x00
	bindTag      tag = 'B'
	closeTag     tag = 'C'
	describeTag  tag = 'D'
	executeTag   tag = 'E'
	flushTag     tag = 'H'
	parseTag     tag = 'P'
	passwordTag  tag = 'p'
	syncTag      tag = 'S'
	terminateTag tag = 'X'
)

// backend message tags
const (
	authenticationTag     tag = 'R'
	backendKeyDataTag     tag = 'K'
	bindCompleteTag       tag = '2'
	closeCompleteTag      tag = '3'
	commandCompleteTag    tag = 'C'
	dataRowTag            tag = 'D'
	emptyQueryResponseTag tag = 'I'
	errorResponseTag      tag = 'E'
	noDataTag             tag = 'n'
	noticeResponseTag     tag = 'N'
	parameterDescTag      tag = 't'
	parameterStatusTag    tag = 'S'
	parseCompleteTag      tag = '1'
	portalSuspendedTag    tag = 's'
	readyForQueryTag      tag = 'Z'
	rowDescriptionTag     tag = 'T'
)

// backend tag names, for protocol error reporting
var tagNames = map[tag]string{
	authenticationTag:     "Authentication",
	backendKeyDataTag:     "BackendKeyData",
	bindCompleteTag:       "BindComplete",
	closeCompleteTag:      "CloseComplete",
	commandCompleteTag:    "CommandComplete",
	dataRowTag:            "DataRow",
	emptyQueryResponseTag: "EmptyQueryResponse",
	errorResponseTag:      "ErrorResponse",
	noDataTag:             "NoData",
	noticeResponseTag:     "NoticeResponse",
	parameterDescTag:      "ParameterDescription",
	parameterStatusTag:    "ParameterStatus",
	parseCompleteTag:      "ParseComplete",
	portalSuspendedTag:    "PortalSuspended",
	readyForQueryTag:      "ReadyForQuery",
	rowDescriptionTag:     "RowDescription",
}

func (t tag) String() string {
	if name, ok := tagNames[t]; ok {
		return name
	}
	return fmt.Sprintf("%#x", byte(t))
}

// msg carries the tag of a protocol message.
// It is embedded in all message structs and implements half of
// the message interfaces.
type msg struct {
	tag tag
}

func newMsg(t tag) msg {
	return msg{tag: t}
}

func (m msg) Tag() tag {
	return m.tag
}

// emptyMsg covers the bodyless messages:
// Sync, Flush, Terminate, ParseComplete, BindComplete, CloseComplete,
// NoData, PortalSuspended, EmptyQueryResponse.
type emptyMsg struct {
	msg
}

func (e emptyMsg) Write(*bin.Encoder) error {
	return nil
}

func (e emptyMsg) Read(*bin.Encoder) error {
	return nil
}

//
// startup
//

// protocolVersion is protocol version 3.0
const protocolVersion = 196608

// startup is the untagged first message of a connection.
// Parameters carry at least user, optionally database and run-time options.
type startup struct {
	msg
	params map[string]string
}

func (s startup) Write(e *bin.Encoder) error {
	e.WriteInt32(protocolVersion)
	for k, v := range s.params {
		e.WriteCString(k)
		e.WriteCString(v)
	}
	e.WriteByte(0x00)
	return e.Err()
}

func (s *startup) Read(e *bin.Encoder) error {
	if v := e.Int32(); v != protocolVersion {
		if err := e.Err(); err != nil {
			return err
		}
		return fmt.Errorf("pgwire: unsupported protocol version %d", v)
	}
	s.params = map[string]string{}
	for {
		k := e.ReadCString()
		if err := e.Err(); err != nil {
			return err
		}
		if k == "" {
			return nil
		}
		s.params[k] = e.ReadCString()
		if err := e.Err(); err != nil {
			return err
		}
	}
}

//
// authentication
//

// authentication request codes
const (
	authOK        = 0
	authCleartext = 3
	authMD5       = 5
)

// authentication is the server's authentication request.
// The method-specific data is a 4 byte salt for MD5.
type authentication struct {
	msg
	authType int32
	salt     [4]byte
}

func (a *authentication) Read(e *bin.Encoder) error {
	a.authType = e.Int32()
	if a.authType == authMD5 {
		e.Read(a.salt[:])
	}
	return e.Err()
}

func (a authentication) Write(e *bin.Encoder) error {
	e.WriteInt32(a.authType)
	if a.authType == authMD5 {
		e.Write(a.salt[:])
	}
	return e.Err()
}

//
// password
//

type password struct {
	msg
	password string
}

func (p password) Write(e *bin.Encoder) error {
	e.WriteCString(p.password)
	return e.Err()
}

func (p *password) Read(e *bin.Encoder) error {
	p.password = e.ReadCString()
	return e.Err()
}

//
// backendKeyData
//

// backendKeyData carries the key pair used by cancel requests
type backendKeyData struct {
	msg
	processID uint32
	secretKey uint32
}

func (b *backendKeyData) Read(e *bin.Encoder) error {
	b.processID = e.Uint32()
	b.secretKey = e.Uint32()
	return e.Err()
}

func (b backendKeyData) Write(e *bin.Encoder) error {
	e.WriteUint32(b.processID)
	e.WriteUint32(b.secretKey)
	return e.Err()
}

//
// cancelRequest
//

const cancelRequestCode = 80877102

// cancelRequest is sent untagged on a dedicated short-lived connection
type cancelRequest struct {
	msg
	processID uint32
	secretKey uint32
}

func (c cancelRequest) Write(e *bin.Encoder) error {
	e.WriteInt32(cancelRequestCode)
	e.WriteUint32(c.processID)
	e.WriteUint32(c.secretKey)
	return e.Err()
}

func (c *cancelRequest) Read(e *bin.Encoder) error {
	if code := e.Int32(); code != cancelRequestCode {
		if err := e.Err(); err != nil {
			return err
		}
		return fmt.Errorf("pgwire: bad cancel request code %d", code)
	}
	c.processID = e.Uint32()
	c.secretKey = e.Uint32()
	return e.Err()
}

//
// parameterStatus
//

// parameterStatus reports a run-time parameter (server_version,
// client_encoding...) at startup and whenever one changes.
type parameterStatus struct {
	msg
	name  string
	value string
}

func (p *parameterStatus) Read(e *bin.Encoder) error {
	p.name = e.ReadCString()
	p.value = e.ReadCString()
	return e.Err()
}

func (p parameterStatus) Write(e *bin.Encoder) error {
	e.WriteCString(p.name)
	e.WriteCString(p.value)
	return e.Err()
}

//
// readyForQuery
//

// backend transaction status bytes carried by ReadyForQuery
const (
	txIdle    = 'I'
	txActive  = 'T'
	txFailed  = 'E'
	txUnknown = 0x00
)

// readyForQuery terminates every request cycle and reports
// the backend transaction status
type readyForQuery struct {
	msg
	status byte
}

func (r *readyForQuery) Read(e *bin.Encoder) error {
	r.status = e.ReadByte()
	return e.Err()
}

func (r readyForQuery) Write(e *bin.Encoder) error {
	e.WriteByte(r.status)
	return e.Err()
}

//
// parse
//

// parse requests the creation of a prepared statement.
// Parameter type oids are hints, zero lets the server infer.
type parse struct {
	msg
	name      string
	query     string
	paramOIDs []OID
}

func (p parse) Write(e *bin.Encoder) error {
	e.WriteCString(p.name)
	e.WriteCString(p.query)
	e.WriteInt16(int16(len(p.paramOIDs)))
	for _, o := range p.paramOIDs {
		e.WriteUint32(uint32(o))
	}
	return e.Err()
}

func (p *parse) Read(e *bin.Encoder) error {
	p.name = e.ReadCString()
	p.query = e.ReadCString()
	n := int(e.Int16())
	if err := e.Err(); err != nil {
		return err
	}
	p.paramOIDs = make([]OID, n)
	for i := range p.paramOIDs {
		p.paramOIDs[i] = OID(e.Uint32())
	}
	return e.Err()
}

//
// bind
//

// bind creates a portal from a prepared statement and
// the encoded parameter values
type bind struct {
	msg
	portal        string
	stmt          string
	paramFormats  []int16
	params        [][]byte // nil element means NULL
	resultFormats []int16
}

func (b bind) Write(e *bin.Encoder) error {
	e.WriteCString(b.portal)
	e.WriteCString(b.stmt)
	e.WriteInt16(int16(len(b.paramFormats)))
	for _, f := range b.paramFormats {
		e.WriteInt16(f)
	}
	e.WriteInt16(int16(len(b.params)))
	for _, p := range b.params {
		if p == nil {
			e.WriteInt32(-1)
			continue
		}
		e.WriteInt32(int32(len(p)))
		e.Write(p)
	}
	e.WriteInt16(int16(len(b.resultFormats)))
	for _, f := range b.resultFormats {
		e.WriteInt16(f)
	}
	return e.Err()
}

func (b *bind) Read(e *bin.Encoder) error {
	b.portal = e.ReadCString()
	b.stmt = e.ReadCString()
	b.paramFormats = make([]int16, int(e.Int16()))
	for i := range b.paramFormats {
		b.paramFormats[i] = e.Int16()
	}
	if err := e.Err(); err != nil {
		return err
	}
	b.params = make([][]byte, int(e.Int16()))
	for i := range b.params {
		size := e.Int32()
		if err := e.Err(); err != nil {
			return err
		}
		if size < 0 {
			b.params[i] = nil
			continue
		}
		b.params[i] = make([]byte, size)
		e.Read(b.params[i])
	}
	b.resultFormats = make([]int16, int(e.Int16()))
	for i := range b.resultFormats {
		b.resultFormats[i] = e.Int16()
	}
	return e.Err()
}

//
// describe / close
//

// target kinds for describe and close
const (
	describeStmt   = 'S'
	describePortal = 'P'
)

type describe struct {
	msg
	kind byte // describeStmt or describePortal
	name string
}

func (d describe) Write(e *bin.Encoder) error {
	e.WriteByte(d.kind)
	e.WriteCString(d.name)
	return e.Err()
}

func (d *describe) Read(e *bin.Encoder) error {
	d.kind = e.ReadByte()
	d.name = e.ReadCString()
	return e.Err()
}

// closeMsg releases a prepared statement or a portal server-side
type closeMsg struct {
	msg
	kind byte
	name string
}

func (c closeMsg) Write(e *bin.Encoder) error {
	e.WriteByte(c.kind)
	e.WriteCString(c.name)
	return e.Err()
}

func (c *closeMsg) Read(e *bin.Encoder) error {
	c.kind = e.ReadByte()
	c.name = e.ReadCString()
	return e.Err()
}

//
// execute
//

// execute runs a portal. maxRows zero means unlimited; a bounded
// value makes the server stop after that many rows and reply
// PortalSuspended instead of CommandComplete.
type execute struct {
	msg
	portal  string
	maxRows int32
}

func (x execute) Write(e *bin.Encoder) error {
	e.WriteCString(x.portal)
	e.WriteInt32(x.maxRows)
	return e.Err()
}

func (x *execute) Read(e *bin.Encoder) error {
	x.portal = e.ReadCString()
	x.maxRows = e.Int32()
	return e.Err()
}

//
// parameterDescription
//

type parameterDescription struct {
	msg
	oids []OID
}

func (p *parameterDescription) Read(e *bin.Encoder) error {
	n := int(e.Int16())
	if err := e.Err(); err != nil {
		return err
	}
	p.oids = make([]OID, n)
	for i := range p.oids {
		p.oids[i] = OID(e.Uint32())
	}
	return e.Err()
}

func (p parameterDescription) Write(e *bin.Encoder) error {
	e.WriteInt16(int16(len(p.oids)))
	for _, o := range p.oids {
		e.WriteUint32(uint32(o))
	}
	return e.Err()
}

//
// rowDescription
//

// column describes one result column
type column struct {
	name     string
	tableOID uint32
	attrNum  int16
	typOID   OID
	typLen   int16
	typMod   int32
	format   int16
}

type rowDescription struct {
	msg
	columns []column
}

func (r *rowDescription) Read(e *bin.Encoder) error {
	n := int(e.Int16())
	if err := e.Err(); err != nil {
		return err
	}
	r.columns = make([]column, n)
	for i := range r.columns {
		c := &r.columns[i]
		c.name = e.ReadCString()
		c.tableOID = e.Uint32()
		c.attrNum = e.Int16()
		c.typOID = OID(e.Uint32())
		c.typLen = e.Int16()
		c.typMod = e.Int32()
		c.format = e.Int16()
	}
	return e.Err()
}

func (r rowDescription) Write(e *bin.Encoder) error {
	e.WriteInt16(int16(len(r.columns)))
	for _, c := range r.columns {
		e.WriteCString(c.name)
		e.WriteUint32(c.tableOID)
		e.WriteInt16(c.attrNum)
		e.WriteUint32(uint32(c.typOID))
		e.WriteInt16(c.typLen)
		e.WriteInt32(c.typMod)
		e.WriteInt16(c.format)
	}
	return e.Err()
}

//
// dataRow
//

// dataRow carries one result row as raw column values.
// A nil value means SQL NULL.
type dataRow struct {
	msg
	values [][]byte
}

func (d *dataRow) Read(e *bin.Encoder) error {
	n := int(e.Int16())
	if err := e.Err(); err != nil {
		return err
	}
	d.values = make([][]byte, n)
	for i := range d.values {
		size := e.Int32()
		if err := e.Err(); err != nil {
			return err
		}
		if size < 0 {
			d.values[i] = nil
			continue
		}
		d.values[i] = make([]byte, size)
		e.Read(d.values[i])
	}
	return e.Err()
}

func (d dataRow) Write(e *bin.Encoder) error {
	e.WriteInt16(int16(len(d.values)))
	for _, v := range d.values {
		if v == nil {
			e.WriteInt32(-1)
			continue
		}
		e.WriteInt32(int32(len(v)))
		e.Write(v)
	}
	return e.Err()
}

//
// commandComplete
//

// commandComplete carries the command tag, e.g. "UPDATE 3"
type commandComplete struct {
	msg
	tagStr string
}

func (c *commandComplete) Read(e *bin.Encoder) error {
	c.tagStr = e.ReadCString()
	return e.Err()
}

func (c commandComplete) Write(e *bin.Encoder) error {
	e.WriteCString(c.tagStr)
	return e.Err()
}

//
// errorResponse / noticeResponse
//

// diagnostic field codes shared by ErrorResponse and NoticeResponse
const (
	fieldSeverity         = 'S'
	fieldSeverityUnlocal  = 'V'
	fieldCode             = 'C'
	fieldMessage          = 'M'
	fieldDetail           = 'D'
	fieldHint             = 'H'
	fieldPosition         = 'P'
	fieldInternalPosition = 'p'
	fieldInternalQuery    = 'q'
	fieldWhere            = 'W'
	fieldSchema           = 's'
	fieldTable            = 't'
	fieldColumn           = 'c'
	fieldDataType         = 'd'
	fieldConstraint       = 'n'
	fieldFile             = 'F'
	fieldLine             = 'L'
	fieldRoutine          = 'R'
)

// errorResponse also reads NoticeResponse, which shares the layout
type errorResponse struct {
	msg
	ServerError
}

func (m *errorResponse) Read(e *bin.Encoder) error {
	m.ServerError = ServerError{}
	for {
		code := e.ReadByte()
		if err := e.Err(); err != nil {
			return err
		}
		if code == 0x00 {
			return nil
		}
		value := e.ReadCString()
		if err := e.Err(); err != nil {
			return err
		}
		switch code {
		case fieldSeverity:
			m.Severity = value
		case fieldCode:
			m.Code = value
		case fieldMessage:
			m.Message = value
		case fieldDetail:
			m.Detail = value
		case fieldHint:
			m.Hint = value
		case fieldPosition:
			m.Position = value
		case fieldWhere:
			m.Where = value
		case fieldSchema:
			m.Schema = value
		case fieldTable:
			m.Table = value
		case fieldColumn:
			m.Column = value
		case fieldConstraint:
			m.Constraint = value
		case fieldFile:
			m.File = value
		case fieldLine:
			m.Line = value
		case fieldRoutine:
			m.Routine = value
		}
	}
}

func (m errorResponse) Write(e *bin.Encoder) error {
	fields := []struct {
		code  byte
		value string
	}{
		{fieldSeverity, m.Severity},
		{fieldCode, m.Code},
		{fieldMessage, m.Message},
		{fieldDetail, m.Detail},
		{fieldHint, m.Hint},
		{fieldPosition, m.Position},
		{fieldWhere, m.Where},
		{fieldSchema, m.Schema},
		{fieldTable, m.Table},
		{fieldColumn, m.Column},
		{fieldConstraint, m.Constraint},
		{fieldFile, m.File},
		{fieldLine, m.Line},
		{fieldRoutine, m.Routine},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		e.WriteByte(f.code)
		e.WriteCString(f.value)
	}
	e.WriteByte(0x00)
	return e.Err()
}
