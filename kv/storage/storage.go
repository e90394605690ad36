package storage

import (
	"github.com/golang/protobuf/proto"
)

// Storage represents the durable key/value engine of a single replica. Every key maps to a versioned
// value. Writes only ever come from the replica's commit critical section, so implementations need
// not order concurrent writers, but must tolerate reads running alongside a write.
type Storage interface {
	Start() error
	Stop() error
	// Write applies all modifications atomically.
	Write(batch []Modify) error
	Reader() (StorageReader, error)
}

type StorageReader interface {
	// Get returns the stored item for key. It returns (nil, nil) if the key has never been written.
	Get(key string) (*Item, error)
	// Scan calls fn for every stored key in ascending order until fn returns false.
	Scan(fn func(key string, item *Item) bool) error
	Close()
}

// Item is the versioned value stored under one key. Version starts at 0 and grows by one on every
// write to the key.
type Item struct {
	Version uint64 `protobuf:"varint,1,opt,name=version,proto3" json:"version,omitempty"`
	Value   []byte `protobuf:"bytes,2,opt,name=value,proto3" json:"value,omitempty"`
}

func (m *Item) Reset()         { *m = Item{} }
func (m *Item) String() string { return proto.CompactTextString(m) }
func (*Item) ProtoMessage()    {}

// Modify is a single write to the underlying storage.
type Modify struct {
	Key  string
	Item Item
}

// NextItem builds the item that replaces prev after writing value. A nil prev means the key is new.
func NextItem(prev *Item, value []byte) Item {
	if prev == nil {
		return Item{Version: 0, Value: value}
	}
	return Item{Version: prev.Version + 1, Value: value}
}
