package attachment

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/mahaj/chatcore/pkg/logger"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
)

type State string

const (
	// StatePending is an upload not yet referenced by a message.
	StatePending State = "pending"
	// StateAttached is referenced by a live message.
	StateAttached State = "attached"
	// StateReleased lost its message; the file is due for removal.
	StateReleased State = "released"
)

const keyPrefix = "att/"

// Record is the catalog entry kept for every stored file.
type Record struct {
	model.Attachment
	Uploader  string       `json:"uploader"`
	State     State        `json:"state"`
	MessageID snowflake.ID `json:"messageId,omitempty"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// Catalog tracks attachment state in a pebble database so orphaned files
// can be found without scanning the message store.
type Catalog struct {
	db *pebble.DB
}

// OpenCatalog opens or creates the catalog at path. fs may be nil for the
// host filesystem; tests pass vfs.NewMem().
func OpenCatalog(path string, fs vfs.FS) (*Catalog, error) {
	opts := &pebble.Options{}
	if fs != nil {
		opts.FS = fs
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		logger.Error("pebble_open_failed", "path", path, "error", err)
		return nil, err
	}
	return &Catalog{db: db}, nil
}

func (c *Catalog) Close() error {
	return c.db.Close()
}

func key(locator string) []byte { return []byte(keyPrefix + locator) }

func (c *Catalog) Put(r *Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.db.Set(key(r.Locator), b, pebble.Sync)
}

// Get returns pebble.ErrNotFound when the locator is unknown.
func (c *Catalog) Get(locator string) (*Record, error) {
	v, closer, err := c.db.Get(key(locator))
	if err != nil {
		return nil, err
	}
	defer closer.Close()
	r := &Record{}
	if err := json.Unmarshal(v, r); err != nil {
		return nil, fmt.Errorf("decode catalog record %s: %w", locator, err)
	}
	return r, nil
}

func (c *Catalog) Delete(locator string) error {
	return c.db.Delete(key(locator), pebble.Sync)
}

// Each calls fn for every record in locator order. Iteration stops at the
// first error fn returns.
func (c *Catalog) Each(fn func(*Record) error) error {
	pfx := []byte(keyPrefix)
	iter, err := c.db.NewIter(&pebble.IterOptions{LowerBound: pfx})
	if err != nil {
		return err
	}
	defer iter.Close()
	for iter.SeekGE(pfx); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), pfx) {
			break
		}
		r := &Record{}
		if err := json.Unmarshal(iter.Value(), r); err != nil {
			logger.Warn("catalog_record_corrupt", "key", string(iter.Key()), "error", err)
			continue
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return iter.Error()
}

func isNotFound(err error) bool {
	return errors.Is(err, pebble.ErrNotFound)
}
