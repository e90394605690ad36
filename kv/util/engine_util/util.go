package engine_util

import (
	"bytes"

	"github.com/Connor1996/badger"
	"github.com/golang/protobuf/proto"
	"github.com/pingcap/errors"
)

// All user keys live under this prefix so that the key space can later hold metadata next to data.
var dataPrefix = []byte("d_")

func DataKey(key string) []byte {
	return append(append([]byte{}, dataPrefix...), key...)
}

func UserKey(dataKey []byte) string {
	return string(bytes.TrimPrefix(dataKey, dataPrefix))
}

// GetMeta reads the protobuf message stored at key. It returns badger.ErrKeyNotFound if the key is absent.
func GetMeta(engine *badger.DB, key []byte, msg proto.Message) error {
	return engine.View(func(txn *badger.Txn) error {
		return GetMetaFromTxn(txn, key, msg)
	})
}

func GetMetaFromTxn(txn *badger.Txn, key []byte, msg proto.Message) error {
	item, err := txn.Get(key)
	if err != nil {
		return err
	}
	val, err := item.Value()
	if err != nil {
		return err
	}
	return proto.Unmarshal(val, msg)
}

func PutMeta(engine *badger.DB, key []byte, msg proto.Message) error {
	val, err := proto.Marshal(msg)
	if err != nil {
		return errors.WithStack(err)
	}
	return engine.Update(func(txn *badger.Txn) error {
		return txn.Set(key, val)
	})
}

// ScanData walks every data key in ascending order, handing out the raw key and a copy of its value.
func ScanData(txn *badger.Txn, fn func(key, val []byte) (bool, error)) error {
	it := txn.NewIterator(badger.DefaultIteratorOptions)
	defer it.Close()
	for it.Seek(dataPrefix); it.ValidForPrefix(dataPrefix); it.Next() {
		item := it.Item()
		val, err := item.ValueCopy(nil)
		if err != nil {
			return errors.WithStack(err)
		}
		more, err := fn(item.KeyCopy(nil), val)
		if err != nil || !more {
			return err
		}
	}
	return nil
}

// IsEmpty reports whether db holds no data keys.
func IsEmpty(db *badger.DB) (bool, error) {
	empty := true
	err := db.View(func(txn *badger.Txn) error {
		return ScanData(txn, func(_, _ []byte) (bool, error) {
			empty = false
			return false, nil
		})
	})
	return empty, err
}

// Bounds of one badger transaction written by CopyData.
var (
	copyBatchSize  = 1024 * 1024
	copyBatchCount = 4096
)

// CopyData copies every data key of src into dst, flushing a batch whenever it grows past
// copyBatchSize bytes or copyBatchCount keys.
func CopyData(src, dst *badger.DB) (int, error) {
	batch := new(WriteBatch)
	copied := 0
	err := src.View(func(txn *badger.Txn) error {
		return ScanData(txn, func(key, val []byte) (bool, error) {
			batch.Set(key, val)
			if batch.Size() >= copyBatchSize || batch.Len() >= copyBatchCount {
				if err := batch.WriteToDB(dst); err != nil {
					return false, err
				}
				copied += batch.Len()
				batch.Reset()
			}
			return true, nil
		})
	})
	if err != nil {
		return copied, err
	}
	if err := batch.WriteToDB(dst); err != nil {
		return copied, err
	}
	return copied + batch.Len(), nil
}
