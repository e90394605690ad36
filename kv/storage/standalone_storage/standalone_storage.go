package standalone_storage

import (
	"github.com/Connor1996/badger"
	"github.com/golang/protobuf/proto"
	"github.com/pingcap-incubator/seqkv/kv/storage"
	"github.com/pingcap-incubator/seqkv/kv/util"
	"github.com/pingcap-incubator/seqkv/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// StandAloneStorage is an implementation of `Storage` for a single replica. It does not communicate
// with other nodes and all data is stored locally in badger.
type StandAloneStorage struct {
	path         string
	templatePath string
	db           *badger.DB
}

// NewStandAloneStorage creates a storage rooted at path. If templatePath names an existing badger
// directory, its data is copied in on the first start-up, i.e. while path holds no data yet.
func NewStandAloneStorage(path, templatePath string) *StandAloneStorage {
	return &StandAloneStorage{path: path, templatePath: templatePath}
}

func (s *StandAloneStorage) Start() error {
	db, err := engine_util.CreateDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	if err := s.seed(); err != nil {
		s.db.Close()
		s.db = nil
		return err
	}
	return nil
}

func (s *StandAloneStorage) seed() error {
	if s.templatePath == "" || !util.DirExists(s.templatePath) {
		log.Info("no template dataset provided, skip seeding", zap.String("path", s.path))
		return nil
	}
	empty, err := engine_util.IsEmpty(s.db)
	if err != nil {
		return err
	}
	if !empty {
		return nil
	}
	template, err := engine_util.CreateDB(s.templatePath)
	if err != nil {
		return errors.Annotate(err, "open template dataset")
	}
	defer template.Close()
	n, err := engine_util.CopyData(template, s.db)
	if err != nil {
		return errors.Annotate(err, "copy template dataset")
	}
	log.Info("seeded storage from template", zap.String("template", s.templatePath), zap.Int("keys", n))
	return nil
}

func (s *StandAloneStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.WithStack(err)
}

func (s *StandAloneStorage) Reader() (storage.StorageReader, error) {
	if s.db == nil {
		return nil, errors.New("standalone storage is not started")
	}
	return &badgerReader{txn: s.db.NewTransaction(false)}, nil
}

func (s *StandAloneStorage) Write(batch []storage.Modify) error {
	if s.db == nil {
		return errors.New("standalone storage is not started")
	}
	wb := new(engine_util.WriteBatch)
	for i := range batch {
		if err := wb.SetMeta(engine_util.DataKey(batch[i].Key), &batch[i].Item); err != nil {
			return err
		}
	}
	return wb.WriteToDB(s.db)
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) Get(key string) (*storage.Item, error) {
	item := new(storage.Item)
	err := engine_util.GetMetaFromTxn(r.txn, engine_util.DataKey(key), item)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return item, nil
}

func (r *badgerReader) Scan(fn func(key string, item *storage.Item) bool) error {
	return engine_util.ScanData(r.txn, func(key, val []byte) (bool, error) {
		item := new(storage.Item)
		if err := proto.Unmarshal(val, item); err != nil {
			return false, errors.WithStack(err)
		}
		return fn(engine_util.UserKey(key), item), nil
	})
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}
