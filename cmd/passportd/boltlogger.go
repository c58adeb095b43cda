package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/xid"
	bolt "go.etcd.io/bbolt"
	"within.website/ln"
)

type boltLogger struct {
	db         *bolt.DB
	bucketName string
	f          ln.Formatter
}

// BoltLogger logs everything to a given boltdb database and bucket.
func BoltLogger(db *bolt.DB, bucketName string, f ln.Formatter) (*boltLogger, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		return err
	})
	if err != nil {
		return nil, err
	}

	return &boltLogger{
		db:         db,
		bucketName: bucketName,
		f:          f,
	}, nil
}

func (b boltLogger) Apply(ctx context.Context, e ln.Event) bool {
	data, err := b.f.Format(ctx, e)
	if err != nil {
		return true
	}

	id := xid.NewWithTime(e.Time)

	b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(b.bucketName)).Put(id.Bytes(), data)
	})

	return true
}

// ServeHTTP writes out everything logged today.
func (b boltLogger) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=\"UTF-8\"")
	now := time.Now()
	y, m, d := now.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, now.Location())

	err := b.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(b.bucketName)).Cursor()

		// xids sort by time, so seek to the first one made today.
		seek := xid.NewWithTime(start).Bytes()
		for k, v := c.Seek(seek[:4]); k != nil; k, v = c.Next() {
			id, err := xid.FromBytes(k)
			if err != nil {
				continue
			}

			if id.Time().Before(start) {
				continue
			}

			w.Write(v)
		}

		return nil
	})
	if err != nil {
		ln.Error(r.Context(), err)
	}
}

func (b boltLogger) Close() {}
func (b boltLogger) Run()   {}
