package statestore

import "time"

// Store is the shared control-plane state: a TTL key/value side and a set of
// score-ordered indexes. Every operation is atomic with respect to a single
// key or member; callers must not read-modify-write across calls.
type Store interface {
	// Set stores value under key. A ttl <= 0 means the key does not expire.
	Set(key string, value []byte, ttl time.Duration)
	Get(key string) ([]byte, bool)
	// Delete reports whether the key existed.
	Delete(key string) bool
	Exists(key string) bool

	// ZAdd inserts member into the named set with the given score, replacing
	// the previous score if the member is already present. It reports whether
	// the member was newly added.
	ZAdd(set, member string, score int64) bool
	ZRemove(set, member string) bool
	// ZPopMin removes and returns the member with the lowest score.
	ZPopMin(set string) (member string, score int64, ok bool)
	ZScore(set, member string) (int64, bool)
}
