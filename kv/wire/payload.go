package wire

import (
	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"
)

// TxnPayload carries a transaction's buffered writes and the versions it observed.
type TxnPayload struct {
	WriteSet map[string][]byte     `protobuf:"bytes,1,rep,name=write_set,json=writeSet,proto3" json:"write_set,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	ReadSet  map[string]*ReadEntry `protobuf:"bytes,2,rep,name=read_set,json=readSet,proto3" json:"read_set,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
}

func (m *TxnPayload) Reset()         { *m = TxnPayload{} }
func (m *TxnPayload) String() string { return proto.CompactTextString(m) }
func (*TxnPayload) ProtoMessage()    {}

// ReadEntry is the value and version a transaction saw on its first read of a key.
type ReadEntry struct {
	Value   []byte `protobuf:"bytes,1,opt,name=value,proto3" json:"value,omitempty"`
	Version uint64 `protobuf:"varint,2,opt,name=version,proto3" json:"version,omitempty"`
}

func (m *ReadEntry) Reset()         { *m = ReadEntry{} }
func (m *ReadEntry) String() string { return proto.CompactTextString(m) }
func (*ReadEntry) ProtoMessage()    {}

func NewTxnPayload() *TxnPayload {
	return &TxnPayload{
		WriteSet: make(map[string][]byte),
		ReadSet:  make(map[string]*ReadEntry),
	}
}

// Encode serializes m. TxnPayload must not implement proto.Marshaler, proto.Marshal would call back into it.
func (m *TxnPayload) Encode() ([]byte, error) {
	data, err := proto.Marshal(m)
	return data, errors.WithStack(err)
}

func UnmarshalTxnPayload(data []byte) (*TxnPayload, error) {
	m := NewTxnPayload()
	if err := proto.Unmarshal(data, m); err != nil {
		return nil, errors.Annotate(err, "decode transaction payload")
	}
	if m.WriteSet == nil {
		m.WriteSet = make(map[string][]byte)
	}
	if m.ReadSet == nil {
		m.ReadSet = make(map[string]*ReadEntry)
	}
	for key, entry := range m.ReadSet {
		if entry == nil {
			m.ReadSet[key] = &ReadEntry{}
		}
	}
	return m, nil
}
