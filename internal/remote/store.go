// Package remote replicates vault containers to remote object storage and
// fetches them back. Containers land under a per-user date-partitioned
// tree, each day folder carrying a manifest of its uploads.
package remote

import (
	"context"
	"time"
)

// Object describes one remote object.
type Object struct {
	Name     string
	Size     int64
	Modified time.Time
}

// ObjectStore is the storage surface replication runs on. Names are
// slash-separated paths relative to the store root. Get and Stat report a
// missing object by wrapping fs.ErrNotExist; Delete of a missing object
// succeeds.
type ObjectStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]Object, error)
	Stat(ctx context.Context, name string) (Object, error)
}
