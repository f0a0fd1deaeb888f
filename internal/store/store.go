package store

import (
	"errors"
	"time"
)

// ErrNotFound is returned for unknown room keys and share ids.
var ErrNotFound = errors.New("not found")

// Store is the durable persistence boundary. The coordinator works against
// this interface only; room snapshots are opaque blobs to the store.
type Store interface {
	// Room snapshots, one record per room key
	SaveRoom(key string, snapshot []byte) error
	LoadRoom(key string) ([]byte, error)
	DeleteRoom(key string) error
	ListRoomKeys() ([]string, error)

	// Anonymous share links
	SaveShare(id, content string, createdAt time.Time) error
	LoadShare(id string) (string, error)
	PurgeShares(olderThan time.Time) (int, error)

	Stats() (map[string]interface{}, error)
	Close() error
}
