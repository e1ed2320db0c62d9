// Package memory is the in-process storage backend. It keeps every record in
// maps and serialises writes per conversation, so traffic in different
// conversations never contends.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mahaj/chatcore/pkg/apperr"
	"github.com/mahaj/chatcore/pkg/model"
	"github.com/mahaj/chatcore/pkg/snowflake"
	"github.com/mahaj/chatcore/pkg/store"
)

type convRecord struct {
	conv     *model.Conversation
	unread   atomic.Int64
	messages []snowflake.ID
}

type Store struct {
	// mu guards the maps below. It is held only for lookups and inserts;
	// record contents are guarded by the per-conversation locks.
	mu        sync.RWMutex
	users     map[string]*model.User
	emails    map[string]string
	convs     map[snowflake.ID]*convRecord
	pairs     map[string]snowflake.ID
	userConvs map[string]map[snowflake.ID]struct{}
	messages  map[snowflake.ID]*model.Message

	locksMu sync.Mutex
	locks   map[string]*sync.Mutex

	ids *snowflake.Node
	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New(ids *snowflake.Node) *Store {
	return &Store{
		users:     make(map[string]*model.User),
		emails:    make(map[string]string),
		convs:     make(map[snowflake.ID]*convRecord),
		pairs:     make(map[string]snowflake.ID),
		userConvs: make(map[string]map[snowflake.ID]struct{}),
		messages:  make(map[snowflake.ID]*model.Message),
		locks:     make(map[string]*sync.Mutex),
		ids:       ids,
		now:       time.Now,
	}
}

func (s *Store) Close() error { return nil }

func (s *Store) lock(key string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()
	if l, ok := s.locks[key]; ok {
		return l
	}
	l := &sync.Mutex{}
	s.locks[key] = l
	return l
}

// forget drops the lock of a key that will never be used again. A caller
// still holding the old mutex finds the record gone.
func (s *Store) forget(key string) {
	s.locksMu.Lock()
	delete(s.locks, key)
	s.locksMu.Unlock()
}

func convKey(id snowflake.ID) string { return "conv:" + id.String() }

func (s *Store) exists(id snowflake.ID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.convs[id]
	return ok
}

// lockConversation looks up the record and returns it locked. The caller
// must unlock the returned mutex. Unknown ids never allocate a lock.
func (s *Store) lockConversation(id snowflake.ID) (*convRecord, *sync.Mutex, error) {
	if !s.exists(id) {
		return nil, nil, apperr.NotFound("conversation %s", id)
	}
	l := s.lock(convKey(id))
	l.Lock()
	s.mu.RLock()
	rec, ok := s.convs[id]
	s.mu.RUnlock()
	if !ok {
		l.Unlock()
		return nil, nil, apperr.NotFound("conversation %s", id)
	}
	return rec, l, nil
}

func (rec *convRecord) snapshot() *model.Conversation {
	c := rec.conv.Clone()
	c.Unread = rec.unread.Load()
	return c
}

func (s *Store) index(id snowflake.ID, members ...string) {
	for _, m := range members {
		set, ok := s.userConvs[m]
		if !ok {
			set = make(map[snowflake.ID]struct{})
			s.userConvs[m] = set
		}
		set[id] = struct{}{}
	}
}

func (s *Store) unindex(id snowflake.ID, members ...string) {
	for _, m := range members {
		if set, ok := s.userConvs[m]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(s.userConvs, m)
			}
		}
	}
}

// Users

func (s *Store) CreateUser(ctx context.Context, u *model.User) (*model.User, error) {
	email := strings.ToLower(strings.TrimSpace(u.Email))
	if email == "" || strings.TrimSpace(u.Name) == "" {
		return nil, apperr.Validation("name and email are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, taken := s.emails[email]; taken {
		return nil, apperr.Conflict("email %s is already registered", email)
	}
	cp := u.Clone()
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if _, taken := s.users[cp.ID]; taken {
		return nil, apperr.Conflict("user %s already exists", cp.ID)
	}
	cp.Email = email
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = s.now()
	}
	s.users[cp.ID] = cp
	s.emails[email] = cp.ID
	return cp.Clone(), nil
}

func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, apperr.NotFound("user %s", id)
	}
	return u.Clone(), nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(strings.TrimSpace(email))]
	if !ok {
		return nil, apperr.NotFound("user with email %s", email)
	}
	return s.users[id].Clone(), nil
}

func (s *Store) SearchUsers(ctx context.Context, query, exclude string, limit int) ([]*model.User, error) {
	if limit <= 0 {
		limit = store.DefaultSearchLimit
	}
	s.mu.RLock()
	out := make([]*model.User, 0)
	for _, u := range s.users {
		if u.ID != exclude && store.MatchesUser(u, query) {
			out = append(out, u.Clone())
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
