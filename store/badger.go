package store

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
)

// Leaf keys are "node:{path}" so the store can share a badger directory.
const badgerKeyPrefix = "node:"

// BadgerPersister stores one key per leaf in BadgerDB.
type BadgerPersister struct {
	db *badger.DB
}

func NewBadgerPersister(dir string) (*BadgerPersister, error) {
	db, err := badger.Open(badger.DefaultOptions(dir).WithLoggingLevel(badger.WARNING))
	if err != nil {
		return nil, err
	}
	return &BadgerPersister{db: db}, nil
}

func (p *BadgerPersister) Load(ctx context.Context) (any, error) {
	var b treeBuilder
	var n int
	err := p.db.View(func(txn *badger.Txn) error {
		prefix := []byte(badgerKeyPrefix)
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			path := string(item.Key()[len(prefix):])
			if err := item.Value(func(v []byte) error {
				return b.put(path, v)
			}); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	glog.Infof("badger: loaded %d leaves", n)
	return b.tree(), nil
}

func (p *BadgerPersister) Apply(ctx context.Context, changes []Change) error {
	return p.db.Update(func(txn *badger.Txn) error {
		for _, c := range changes {
			if err := badgerDeleteTree(txn, c.Path); err != nil {
				return err
			}
			leaves := make(map[string][]byte)
			if err := flatten(c.Path, c.Value, leaves); err != nil {
				return err
			}
			for k, v := range leaves {
				if err := txn.Set([]byte(badgerKeyPrefix+k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func badgerDeleteTree(txn *badger.Txn, path string) error {
	for _, a := range ancestorsOf(path) {
		if err := txn.Delete([]byte(badgerKeyPrefix + a)); err != nil {
			return err
		}
	}
	if path != "" {
		if err := txn.Delete([]byte(badgerKeyPrefix + path)); err != nil {
			return err
		}
	}
	prefix := []byte(badgerKeyPrefix + prefixOf(path))
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	var keys [][]byte
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		keys = append(keys, it.Item().KeyCopy(nil))
	}
	it.Close()
	for _, k := range keys {
		if err := txn.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (p *BadgerPersister) Close() error {
	return p.db.Close()
}
