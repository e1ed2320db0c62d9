// Package scylla stores users, conversations and messages in ScyllaDB.
//
// Messages live in one partition per conversation, clustered by id, so a
// conversation listing is a single ordered partition read. The unread
// counter is a native counter column; counters cannot share a logged batch
// with regular writes, so message creation writes the message and the
// latest-message pointer in one batch and applies the counter afterwards,
// undoing the batch if the counter write fails.
package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gocql/gocql"
	"github.com/mahaj/chatcore/pkg/db"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

type Store struct {
	db  *db.Session
	ids *snowflake.Node
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(session *db.Session, ids *snowflake.Node) *Store {
	return &Store{db: session, ids: ids, now: time.Now}
}

func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.db.Query(stmt, values...).WithContext(ctx)
}

func (s *Store) batch(ctx context.Context) *gocql.Batch {
	return s.db.NewBatch(gocql.LoggedBatch).WithContext(ctx)
}

func notFound(err error) bool { return errors.Is(err, gocql.ErrNotFound) }

// encodeReactions stores reactions as a JSON array; an empty list is "[]".
func encodeReactions(r []model.Reaction) (string, error) {
	if r == nil {
		r = []model.Reaction{}
	}
	b, err := json.Marshal(r)
	return string(b), err
}

func decodeReactions(s string) ([]model.Reaction, error) {
	if s == "" {
		return nil, nil
	}
	var r []model.Reaction
	if err := json.Unmarshal([]byte(s), &r); err != nil {
		return nil, err
	}
	if len(r) == 0 {
		return nil, nil
	}
	return r, nil
}
