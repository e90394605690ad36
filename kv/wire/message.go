package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/pingcap/errors"
)

/*
Every connection carries a single request frame, optionally answered by a single reply frame.
A request frame starts with its op code followed by the op specific body:

| Op         | Code | Body                                              |
|------------|------|---------------------------------------------------|
| read       | 0x00 | key                                               |
| commit     | 0x01 | reply addr, local id (8 bytes), payload           |
| assign     | 0x02 | reply addr, local id (8 bytes), order (8 bytes)   |
| register   | 0x10 | role (1 byte), addr, order addr; answered by ack  |
| unregister | 0x11 | role (1 byte), addr, order addr; answered by ack  |
| fetch      | 0x12 | answered by record count (4 bytes) and records    |

Integers are big endian. Strings carry a 2 byte length prefix, payloads a 4 byte length prefix.
*/

type Op byte

const (
	OpRead       Op = 0x00
	OpCommit     Op = 0x01
	OpAssign     Op = 0x02
	OpRegister   Op = 0x10
	OpUnregister Op = 0x11
	OpFetch      Op = 0x12
)

func (op Op) String() string {
	switch op {
	case OpRead:
		return "read"
	case OpCommit:
		return "commit"
	case OpAssign:
		return "assign"
	case OpRegister:
		return "register"
	case OpUnregister:
		return "unregister"
	case OpFetch:
		return "fetch"
	}
	return fmt.Sprintf("unknown(%#x)", byte(op))
}

// MaxKeyLen bounds the length of a key in a read request.
const MaxKeyLen = 255

// Commit outcomes, sent as the single reply byte of a commit.
const (
	ReplyAbort  byte = '0'
	ReplyCommit byte = '1'
)

var (
	ErrUnknownOp       = errors.New("unknown op code")
	ErrMessageTooLarge = errors.New("message exceeds size limit")
	ErrKeyTooLong      = errors.New("key exceeds maximum length")
)

// Message is a request frame.
type Message interface {
	Op() Op
	marshal(w *writer)
	unmarshal(r *reader)
}

type ReadRequest struct {
	Key string
}

// CommitRequest is broadcast by a client to every replica and the sequencer.
type CommitRequest struct {
	// ReplyAddr is the host:port the client accepts the commit outcome on.
	ReplyAddr string
	LocalID   uint64
	Payload   []byte
}

// OrderAssignment binds a commit request to its position in the global order.
type OrderAssignment struct {
	ReplyAddr string
	LocalID   uint64
	Order     uint64
}

type Role byte

const (
	RoleReplica   Role = 0
	RoleSequencer Role = 1
)

func (r Role) String() string {
	if r == RoleSequencer {
		return "sequencer"
	}
	return "replica"
}

// Record is one membership entry. Sequencers leave OrderAddr empty.
type Record struct {
	Role      Role   `json:"role"`
	Addr      string `json:"addr"`
	OrderAddr string `json:"order_addr,omitempty"`
}

type RegisterRequest struct {
	Record Record
}

type UnregisterRequest struct {
	Record Record
}

type FetchRequest struct{}

func (m *ReadRequest) Op() Op       { return OpRead }
func (m *CommitRequest) Op() Op     { return OpCommit }
func (m *OrderAssignment) Op() Op   { return OpAssign }
func (m *RegisterRequest) Op() Op   { return OpRegister }
func (m *UnregisterRequest) Op() Op { return OpUnregister }
func (m *FetchRequest) Op() Op      { return OpFetch }

func (m *ReadRequest) marshal(w *writer) { w.str(m.Key) }
func (m *ReadRequest) unmarshal(r *reader) {
	m.Key = r.str()
	if r.err == nil && len(m.Key) > MaxKeyLen {
		r.err = errors.Annotatef(ErrKeyTooLong, "key of %d bytes", len(m.Key))
	}
}

func (m *CommitRequest) marshal(w *writer) {
	w.str(m.ReplyAddr)
	w.u64(m.LocalID)
	w.bytes(m.Payload)
}
func (m *CommitRequest) unmarshal(r *reader) {
	m.ReplyAddr = r.str()
	m.LocalID = r.u64()
	m.Payload = r.bytes()
}

func (m *OrderAssignment) marshal(w *writer) {
	w.str(m.ReplyAddr)
	w.u64(m.LocalID)
	w.u64(m.Order)
}
func (m *OrderAssignment) unmarshal(r *reader) {
	m.ReplyAddr = r.str()
	m.LocalID = r.u64()
	m.Order = r.u64()
}

func (m *RegisterRequest) marshal(w *writer)     { w.record(&m.Record) }
func (m *RegisterRequest) unmarshal(r *reader)   { r.record(&m.Record) }
func (m *UnregisterRequest) marshal(w *writer)   { w.record(&m.Record) }
func (m *UnregisterRequest) unmarshal(r *reader) { r.record(&m.Record) }
func (m *FetchRequest) marshal(w *writer)        {}
func (m *FetchRequest) unmarshal(r *reader)      {}

func newMessage(op Op) (Message, error) {
	switch op {
	case OpRead:
		return new(ReadRequest), nil
	case OpCommit:
		return new(CommitRequest), nil
	case OpAssign:
		return new(OrderAssignment), nil
	case OpRegister:
		return new(RegisterRequest), nil
	case OpUnregister:
		return new(UnregisterRequest), nil
	case OpFetch:
		return new(FetchRequest), nil
	}
	return nil, errors.Annotatef(ErrUnknownOp, "op %s", op)
}

// WriteMessage writes msg as one frame.
func WriteMessage(w io.Writer, msg Message) error {
	wr := &writer{}
	wr.u8(byte(msg.Op()))
	msg.marshal(wr)
	_, err := w.Write(wr.buf)
	return errors.WithStack(err)
}

// ReadMessage reads one request frame. Any length prefix above maxSize is rejected before the
// corresponding bytes are read.
func ReadMessage(r io.Reader, maxSize int64) (Message, error) {
	rd := &reader{r: r, maxSize: maxSize}
	op := Op(rd.u8())
	if rd.err != nil {
		return nil, rd.err
	}
	msg, err := newMessage(op)
	if err != nil {
		return nil, err
	}
	msg.unmarshal(rd)
	if rd.err != nil {
		return nil, errors.Annotatef(rd.err, "decode %s", op)
	}
	return msg, nil
}

// ReadReply answers a ReadRequest. Found is false when the replica has never stored the key.
type ReadReply struct {
	Found   bool
	Version uint64
	Value   []byte
}

func WriteReadReply(w io.Writer, reply *ReadReply) error {
	wr := &writer{}
	if reply.Found {
		wr.u8(1)
	} else {
		wr.u8(0)
	}
	wr.u64(reply.Version)
	wr.bytes(reply.Value)
	_, err := w.Write(wr.buf)
	return errors.WithStack(err)
}

func ReadReadReply(r io.Reader, maxSize int64) (*ReadReply, error) {
	rd := &reader{r: r, maxSize: maxSize}
	reply := &ReadReply{}
	reply.Found = rd.u8() == 1
	reply.Version = rd.u64()
	reply.Value = rd.bytes()
	if rd.err != nil {
		return nil, errors.Annotate(rd.err, "decode read reply")
	}
	return reply, nil
}

// WriteRecords answers a FetchRequest.
func WriteRecords(w io.Writer, records []Record) error {
	wr := &writer{}
	wr.u32(uint32(len(records)))
	for i := range records {
		wr.record(&records[i])
	}
	_, err := w.Write(wr.buf)
	return errors.WithStack(err)
}

func ReadRecords(r io.Reader, maxSize int64) ([]Record, error) {
	rd := &reader{r: r, maxSize: maxSize}
	n := rd.u32()
	if rd.err != nil {
		return nil, errors.Annotate(rd.err, "decode records")
	}
	// Every record takes at least 5 bytes on the wire.
	if int64(n)*5 > maxSize {
		return nil, errors.Annotatef(ErrMessageTooLarge, "%d records", n)
	}
	records := make([]Record, n)
	for i := range records {
		rd.record(&records[i])
	}
	if rd.err != nil {
		return nil, errors.Annotate(rd.err, "decode records")
	}
	return records, nil
}

type writer struct {
	buf []byte
}

func (w *writer) u8(v byte) {
	w.buf = append(w.buf, v)
}

func (w *writer) u16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u32(v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) u64(v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *writer) str(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes(b []byte) {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *writer) record(rec *Record) {
	w.u8(byte(rec.Role))
	w.str(rec.Addr)
	w.str(rec.OrderAddr)
}

// reader keeps the first error, later reads become no-ops.
type reader struct {
	r       io.Reader
	maxSize int64
	err     error
}

func (r *reader) read(n int64) []byte {
	if r.err != nil {
		return nil
	}
	if n > r.maxSize {
		r.err = errors.Annotatef(ErrMessageTooLarge, "%d bytes over limit %d", n, r.maxSize)
		return nil
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = errors.WithStack(err)
		return nil
	}
	return b
}

func (r *reader) u8() byte {
	b := r.read(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.read(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.read(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.read(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) str() string {
	n := r.u16()
	return string(r.read(int64(n)))
}

func (r *reader) bytes() []byte {
	n := r.u32()
	b := r.read(int64(n))
	if len(b) == 0 {
		return nil
	}
	return b
}

func (r *reader) record(rec *Record) {
	rec.Role = Role(r.u8())
	rec.Addr = r.str()
	rec.OrderAddr = r.str()
}

func WriteCommitReply(w io.Writer, committed bool) error {
	reply := ReplyAbort
	if committed {
		reply = ReplyCommit
	}
	_, err := w.Write([]byte{reply})
	return errors.WithStack(err)
}

// ReadCommitReply reads the single outcome byte of a commit.
func ReadCommitReply(r io.Reader) (bool, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return false, errors.Annotate(err, "read commit reply")
	}
	switch b[0] {
	case ReplyCommit:
		return true, nil
	case ReplyAbort:
		return false, nil
	}
	return false, errors.Errorf("unexpected commit reply %#x", b[0])
}

const ack byte = 1

// WriteAck confirms a register or unregister request.
func WriteAck(w io.Writer) error {
	_, err := w.Write([]byte{ack})
	return errors.WithStack(err)
}

func ReadAck(r io.Reader) error {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return errors.Annotate(err, "read ack")
	}
	if b[0] != ack {
		return errors.Errorf("unexpected ack %#x", b[0])
	}
	return nil
}
