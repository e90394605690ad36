package engine_util

import (
	"os"

	"github.com/Connor1996/badger"
	"github.com/pingcap/errors"
)

// CreateDB opens (creating if needed) a Badger DB on disk at path. Writes are synced so that an
// applied commit survives a crash of the replica.
func CreateDB(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions
	opts.Dir = path
	opts.ValueDir = path
	opts.SyncWrites = true
	if err := os.MkdirAll(opts.Dir, os.ModePerm); err != nil {
		return nil, errors.WithStack(err)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, errors.Annotatef(err, "open badger at %s", path)
	}
	return db, nil
}
