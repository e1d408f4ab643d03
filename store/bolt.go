package store

import (
	"bytes"
	"context"
	"time"

	"github.com/golang/glog"
	"go.etcd.io/bbolt"
)

var boltBucket = []byte("nodes")

// BoltPersister stores one row per leaf: key is the leaf path, value its JSON.
type BoltPersister struct {
	db *bbolt.DB
}

func NewBoltPersister(file string) (*BoltPersister, error) {
	db, err := bbolt.Open(file, 0600, &bbolt.Options{Timeout: 3 * time.Second})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(boltBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BoltPersister{db: db}, nil
}

func (p *BoltPersister) Load(ctx context.Context) (any, error) {
	var b treeBuilder
	var n int
	err := p.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(boltBucket).ForEach(func(k, v []byte) error {
			n++
			return b.put(string(k), v)
		})
	})
	if err != nil {
		return nil, err
	}
	glog.Infof("bolt: loaded %d leaves", n)
	return b.tree(), nil
}

func (p *BoltPersister) Apply(ctx context.Context, changes []Change) error {
	return p.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(boltBucket)
		for _, c := range changes {
			if err := boltDeleteTree(bucket, c.Path); err != nil {
				return err
			}
			leaves := make(map[string][]byte)
			if err := flatten(c.Path, c.Value, leaves); err != nil {
				return err
			}
			for k, v := range leaves {
				if err := bucket.Put([]byte(k), v); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func boltDeleteTree(bucket *bbolt.Bucket, path string) error {
	for _, a := range ancestorsOf(path) {
		if err := bucket.Delete([]byte(a)); err != nil {
			return err
		}
	}
	if path != "" {
		if err := bucket.Delete([]byte(path)); err != nil {
			return err
		}
	}
	prefix := []byte(prefixOf(path))
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (p *BoltPersister) Close() error {
	return p.db.Close()
}
