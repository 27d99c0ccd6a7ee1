package standalone_storage

import (
	"github.com/Connor1996/badger"
	"github.com/pingcap-incubator/tinytxn/kv/storage"
	"github.com/pingcap-incubator/tinytxn/kv/util/engine_util"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// StandAloneStorage is an implementation of `Storage` for a single-node TinyTxn instance. All data is stored
// locally in one badger DB.
type StandAloneStorage struct {
	path string
	db   *badger.DB
}

func NewStandAloneStorage(path string) *StandAloneStorage {
	return &StandAloneStorage{path: path}
}

func (s *StandAloneStorage) Start() error {
	db, err := engine_util.CreateDB(s.path)
	if err != nil {
		return err
	}
	s.db = db
	log.Info("standalone storage started", zap.String("path", s.path))
	return nil
}

func (s *StandAloneStorage) Stop() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return errors.Trace(err)
}

// DB exposes the underlying engine so the commit log can share it.
func (s *StandAloneStorage) DB() *badger.DB {
	return s.db
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
	for _, m := range batch {
		switch data := m.Data.(type) {
		case storage.Put:
			wb.SetCF(data.Cf, data.Key, data.Value)
		case storage.Delete:
			wb.DeleteCF(data.Cf, data.Key)
		}
	}
	if err := wb.WriteToDB(s.db); err != nil {
		return err
	}
	log.Debug("storage batch written", zap.Int("entries", wb.Len()), zap.Int("bytes", wb.Size()))
	return nil
}

type badgerReader struct {
	txn *badger.Txn
}

func (r *badgerReader) GetCF(cf string, key []byte) ([]byte, error) {
	val, err := engine_util.GetCFFromTxn(r.txn, cf, key)
	if err == badger.ErrKeyNotFound {
		return nil, nil
	}
	return val, errors.Trace(err)
}

func (r *badgerReader) IterCF(cf string) engine_util.DBIterator {
	return engine_util.NewCFIterator(cf, r.txn)
}

func (r *badgerReader) Close() {
	r.txn.Discard()
}
