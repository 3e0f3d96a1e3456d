package stability

import (
	"encoding/json"
	"fmt"

	"github.com/zeebo/blake3"
	"golang.org/x/sync/singleflight"
)

// Dedup collapses concurrent identical read requests: a content hash of
// the operation and its parameters maps to the in-progress execution, and
// followers receive the shared outcome instead of reissuing.
type Dedup struct {
	group singleflight.Group
}

// NewDedup creates a deduplicator.
func NewDedup() *Dedup {
	return &Dedup{}
}

// Key hashes an operation name and its parameters into a dedup key.
// Parameters are JSON-encoded (Go sorts map keys), so equal requests hash
// equal.
func Key(op string, params any) string {
	data, err := json.Marshal(params)
	if err != nil {
		data = []byte(fmt.Sprintf("%v", params))
	}
	sum := blake3.Sum256(append([]byte(op+"\x00"), data...))
	return fmt.Sprintf("%x", sum[:16])
}

// Do executes fn once per in-flight key; concurrent callers with the same
// key share the one result. Only pure reads belong here.
func (d *Dedup) Do(key string, fn func() (any, error)) (any, bool, error) {
	v, err, shared := d.group.Do(key, fn)
	return v, shared, err
}
