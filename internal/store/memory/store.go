// Package memory is an in-process credential store for development and tests.
package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"hireloop.dev/internal/auth"
	"hireloop.dev/internal/ids"
)

var (
	_ auth.PrincipalStore = (*Store)(nil)
	_ auth.APIKeyStore    = (*Store)(nil)
)

type profileKey struct {
	role auth.Role
	id   string
}

// Store keeps principals, profiles and API keys in maps guarded by a mutex.
// Transactions are serialised; writes made through a transaction context are
// journaled and rollback restores only the keys they touched.
type Store struct {
	mu         sync.RWMutex
	principals map[string]auth.Principal
	profiles   map[profileKey]auth.Profile
	apiKeys    map[string]auth.APIKey

	txMu sync.Mutex
	now  func() time.Time
}

func New() *Store {
	return &Store{
		principals: make(map[string]auth.Principal),
		profiles:   make(map[profileKey]auth.Profile),
		apiKeys:    make(map[string]auth.APIKey),
		now:        time.Now,
	}
}

func (s *Store) FindOne(_ context.Context, f auth.Filter) (*auth.Principal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if f.IsZero() {
		return nil, fmt.Errorf("memory: empty principal filter")
	}
	if f.ID != "" {
		p, ok := s.principals[f.ID]
		if !ok {
			return nil, auth.ErrRecordNotFound
		}
		return &p, nil
	}
	for _, p := range s.principals {
		if f.Email != "" && strings.EqualFold(p.Email, f.Email) {
			return &p, nil
		}
		if f.Email == "" && p.Phone != "" && p.Phone == f.Phone {
			return &p, nil
		}
	}
	return nil, auth.ErrRecordNotFound
}

func (s *Store) Create(ctx context.Context, in auth.CreatePrincipal) (*auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.principals {
		if strings.EqualFold(p.Email, in.Email) {
			return nil, &auth.DuplicateError{Field: "email"}
		}
		if in.Phone != "" && p.Phone == in.Phone {
			return nil, &auth.DuplicateError{Field: "phone"}
		}
	}
	now := s.now().UTC()
	p := auth.Principal{
		ID:           ids.New(),
		Email:        in.Email,
		Phone:        in.Phone,
		PasswordHash: in.PasswordHash,
		Role:         in.Role,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	journalFrom(ctx).principal(s, p.ID)
	s.principals[p.ID] = p
	return &p, nil
}

func (s *Store) Update(ctx context.Context, id string, upd auth.PrincipalUpdate) (*auth.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.principals[id]
	if !ok {
		return nil, auth.ErrRecordNotFound
	}
	if upd.Email != nil {
		p.Email = *upd.Email
	}
	if upd.Phone != nil {
		p.Phone = *upd.Phone
	}
	if upd.PasswordHash != nil {
		p.PasswordHash = *upd.PasswordHash
	}
	if upd.EmailVerified != nil {
		p.EmailVerified = *upd.EmailVerified
	}
	p.UpdatedAt = s.now().UTC()
	journalFrom(ctx).principal(s, id)
	s.principals[id] = p
	return &p, nil
}

func (s *Store) Delete(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[id]; !ok {
		return false, nil
	}
	j := journalFrom(ctx)
	j.principal(s, id)
	delete(s.principals, id)
	for k := range s.profiles {
		if k.id == id {
			j.profile(s, k)
			delete(s.profiles, k)
		}
	}
	return true, nil
}

func (s *Store) CreateProfile(ctx context.Context, role auth.Role, principalID string, profile auth.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.principals[principalID]; !ok {
		return auth.ErrRecordNotFound
	}
	key := profileKey{role: role, id: principalID}
	if _, ok := s.profiles[key]; ok {
		return &auth.DuplicateError{Field: "profile"}
	}
	journalFrom(ctx).profile(s, key)
	s.profiles[key] = profile
	return nil
}

// Profile returns the stored profile of a principal.
func (s *Store) Profile(role auth.Role, principalID string) (auth.Profile, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.profiles[profileKey{role: role, id: principalID}]
	return p, ok
}

// WithinTx runs fn under the store's transaction lock. Nested calls join the
// outer transaction. When fn fails, every key written through its context is
// restored to its prior state; writes made outside the transaction survive.
func (s *Store) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if journalFrom(ctx) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	j := &journal{
		principals: make(map[string]*auth.Principal),
		profiles:   make(map[profileKey]*auth.Profile),
	}
	if err := fn(context.WithValue(ctx, journalKey{}, j)); err != nil {
		s.mu.Lock()
		j.rollback(s)
		s.mu.Unlock()
		return err
	}
	return nil
}

type journalKey struct{}

// journal records the value each touched key held before its first write in
// the transaction; nil marks a key that did not exist.
type journal struct {
	principals map[string]*auth.Principal
	profiles   map[profileKey]*auth.Profile
}

func journalFrom(ctx context.Context) *journal {
	j, _ := ctx.Value(journalKey{}).(*journal)
	return j
}

// principal saves the prior state of id. Callers hold s.mu.
func (j *journal) principal(s *Store, id string) {
	if j == nil {
		return
	}
	if _, seen := j.principals[id]; seen {
		return
	}
	if p, ok := s.principals[id]; ok {
		j.principals[id] = &p
		return
	}
	j.principals[id] = nil
}

// profile saves the prior state of key. Callers hold s.mu.
func (j *journal) profile(s *Store, key profileKey) {
	if j == nil {
		return
	}
	if _, seen := j.profiles[key]; seen {
		return
	}
	if p, ok := s.profiles[key]; ok {
		j.profiles[key] = &p
		return
	}
	j.profiles[key] = nil
}

func (j *journal) rollback(s *Store) {
	for id, prev := range j.principals {
		if prev == nil {
			delete(s.principals, id)
			continue
		}
		s.principals[id] = *prev
	}
	for key, prev := range j.profiles {
		if prev == nil {
			delete(s.profiles, key)
			continue
		}
		s.profiles[key] = *prev
	}
}

// PutAPIKey registers key under the hash of its secret value.
func (s *Store) PutAPIKey(hash string, key auth.APIKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKeys[hash] = key
}

func (s *Store) FindAPIKey(_ context.Context, hash string) (*auth.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.apiKeys[hash]
	if !ok {
		return nil, auth.ErrRecordNotFound
	}
	return &key, nil
}
