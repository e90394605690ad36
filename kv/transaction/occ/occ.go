package occ

import (
	"sort"

	"github.com/pingcap-incubator/seqkv/kv/storage"
	"github.com/pingcap-incubator/seqkv/kv/wire"
	"github.com/pingcap/errors"
)

// Txn validates and applies one sequenced transaction against a replica's storage. It must only be
// used while the transaction holds its turn in the holdback queue, so no other write can interleave
// between validation and the write of its batch.
type Txn struct {
	reader  storage.StorageReader
	payload *wire.TxnPayload
	writes  []storage.Modify
}

func NewTxn(reader storage.StorageReader, payload *wire.TxnPayload) *Txn {
	return &Txn{
		reader:  reader,
		payload: payload,
	}
}

// Validate checks every read of the transaction against the stored version. It returns the first
// stale key in key order, or "" if the transaction may commit. A key that is absent from storage
// never conflicts.
func (txn *Txn) Validate() (string, error) {
	for _, key := range sortedKeys(txn.payload.ReadSet) {
		entry := txn.payload.ReadSet[key]
		item, err := txn.reader.Get(key)
		if err != nil {
			return "", errors.Annotatef(err, "validate %q", key)
		}
		if item != nil && item.Version > entry.Version {
			return key, nil
		}
	}
	return "", nil
}

// Apply computes the new item of every written key from its stored predecessor. Writes returns
// the result.
func (txn *Txn) Apply() error {
	keys := make([]string, 0, len(txn.payload.WriteSet))
	for key := range txn.payload.WriteSet {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		prev, err := txn.reader.Get(key)
		if err != nil {
			return errors.Annotatef(err, "apply %q", key)
		}
		txn.writes = append(txn.writes, storage.Modify{
			Key:  key,
			Item: storage.NextItem(prev, txn.payload.WriteSet[key]),
		})
	}
	return nil
}

// Writes returns all changes added to this transaction, ordered by key.
func (txn *Txn) Writes() []storage.Modify {
	return txn.writes
}

// Result is the outcome of Execute.
type Result struct {
	Committed bool
	// Conflict is the stale key that caused an abort.
	Conflict string
	Writes   []storage.Modify
}

// Execute validates payload against store and, if it passes, writes the whole write set as a
// single batch.
func Execute(store storage.Storage, payload *wire.TxnPayload) (*Result, error) {
	reader, err := store.Reader()
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	txn := NewTxn(reader, payload)
	conflict, err := txn.Validate()
	if err != nil {
		return nil, err
	}
	if conflict != "" {
		return &Result{Conflict: conflict}, nil
	}
	if err := txn.Apply(); err != nil {
		return nil, err
	}
	if len(txn.Writes()) > 0 {
		if err := store.Write(txn.Writes()); err != nil {
			return nil, errors.Annotate(err, "write transaction")
		}
	}
	return &Result{Committed: true, Writes: txn.Writes()}, nil
}

func sortedKeys(m map[string]*wire.ReadEntry) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
