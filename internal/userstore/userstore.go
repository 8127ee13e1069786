// Package userstore defines the capability the core consumes from the
// management layer (spec.md §4.6) and ships one reference implementation
// backed by a TOML file, so the repo is runnable without a database.
package userstore

import (
	"crypto/rsa"
	"fmt"
	"sync"
	"sync/atomic"

	"shroudtun/internal/cryptutil"

	"github.com/BurntSushi/toml"
)

// Direction distinguishes the two byte counters RecordBytes maintains.
type Direction int

const (
	DirIn Direction = iota
	DirOut
)

// UserInfo is what LookupUser returns: the bits auth and admission need.
type UserInfo struct {
	Username          string
	PublicKey         *rsa.PublicKey
	BandwidthLimitBps int64 // 0 = unlimited
	MaxConcurrent     int
}

// Permit represents one admitted concurrent session for a user. Release
// must be called exactly once, typically via defer tied to the session's
// lifetime (spec.md §5: "release is tied to the session task's
// destructor").
type Permit interface {
	Release()
}

// UserStat is one row of Snapshot's output, for the out-of-core
// management API to expose.
type UserStat struct {
	Username       string
	BytesIn        int64
	BytesOut       int64
	ActiveSessions int
}

// UserStore is the capability set the core requires (spec.md §4.6).
type UserStore interface {
	LookupUser(username string) (UserInfo, bool)
	AcquireSlot(username string) (Permit, bool)
	RecordBytes(username string, dir Direction, n int64)
	Snapshot() []UserStat
}

type entry struct {
	info    UserInfo
	active  atomic.Int64
	bytesIn atomic.Int64
	bytesOut atomic.Int64
}

// defaultMaxConcurrentFallback is used by NewMemoryStore, for direct
// construction (mainly tests) that never sees a configured
// max_concurrent_per_user_default (spec.md §6). LoadTOMLFile always
// carries the operator's configured default instead.
const defaultMaxConcurrentFallback = 100

// MemoryStore is an in-process UserStore, the backing for the TOML
// loader below and for tests. It is safe for concurrent use from many
// tunnels (spec.md §5: "all mutations... are atomic per-user").
type MemoryStore struct {
	mu                  sync.RWMutex
	users               map[string]*entry
	defaultMaxConcurrent int
}

// NewMemoryStore builds an empty store; use AddUser or LoadTOMLFile to
// populate it.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithDefault(defaultMaxConcurrentFallback)
}

// NewMemoryStoreWithDefault builds an empty store whose AddUser falls
// back to defaultMaxConcurrent for records that don't set one, rather
// than the package's built-in fallback.
func NewMemoryStoreWithDefault(defaultMaxConcurrent int) *MemoryStore {
	return &MemoryStore{users: make(map[string]*entry), defaultMaxConcurrent: defaultMaxConcurrent}
}

// AddUser registers or replaces one user's record. Removal (spec.md §3:
// "Removal immediately invalidates new handshakes") is RemoveUser.
func (s *MemoryStore) AddUser(info UserInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info.MaxConcurrent <= 0 {
		info.MaxConcurrent = s.defaultMaxConcurrent
	}
	s.users[info.Username] = &entry{info: info}
}

// RemoveUser deletes a user. Existing sessions are unaffected; only new
// handshakes are rejected from this point on.
func (s *MemoryStore) RemoveUser(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.users, username)
}

func (s *MemoryStore) LookupUser(username string) (UserInfo, bool) {
	s.mu.RLock()
	e, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return UserInfo{}, false
	}
	return e.info, true
}

type memPermit struct {
	active *atomic.Int64
}

func (p *memPermit) Release() {
	p.active.Add(-1)
}

// AcquireSlot atomically increments the user's active-session count if
// it is still under MaxConcurrent (spec.md I3), returning a Permit whose
// Release decrements it again.
func (s *MemoryStore) AcquireSlot(username string) (Permit, bool) {
	s.mu.RLock()
	e, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	for {
		cur := e.active.Load()
		if cur >= int64(e.info.MaxConcurrent) {
			return nil, false
		}
		if e.active.CompareAndSwap(cur, cur+1) {
			return &memPermit{active: &e.active}, true
		}
	}
}

func (s *MemoryStore) RecordBytes(username string, dir Direction, n int64) {
	s.mu.RLock()
	e, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return
	}
	switch dir {
	case DirIn:
		e.bytesIn.Add(n)
	case DirOut:
		e.bytesOut.Add(n)
	}
}

func (s *MemoryStore) Snapshot() []UserStat {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]UserStat, 0, len(s.users))
	for name, e := range s.users {
		out = append(out, UserStat{
			Username:       name,
			BytesIn:        e.bytesIn.Load(),
			BytesOut:       e.bytesOut.Load(),
			ActiveSessions: int(e.active.Load()),
		})
	}
	return out
}

// --- TOML-backed loader ---

// fileRecord mirrors one [[user]] table in the store file.
type fileRecord struct {
	Username          string `toml:"username"`
	PublicKeyPEM      string `toml:"public_key_pem"`
	BandwidthLimitBps int64  `toml:"bandwidth_limit_bps"`
	MaxConcurrent     int    `toml:"max_concurrent"`
}

type fileFormat struct {
	User []fileRecord `toml:"user"`
}

// LoadTOMLFile reads a user store file of the form:
//
//	[[user]]
//	username = "alice"
//	public_key_pem = "-----BEGIN PUBLIC KEY-----..."
//	bandwidth_limit_bps = 1048576
//	max_concurrent = 20
//
// into a ready-to-use MemoryStore. This is the reference UserStore
// implementation named in spec.md §6's persisted-state layout; a
// database-backed store is equally valid and out of scope for the core.
// defaultMaxConcurrent fills in for any [[user]] table that omits
// max_concurrent, per the Proxy's configured max_concurrent_per_user_default
// (spec.md §6).
func LoadTOMLFile(path string, defaultMaxConcurrent int) (*MemoryStore, error) {
	var ff fileFormat
	if _, err := toml.DecodeFile(path, &ff); err != nil {
		return nil, fmt.Errorf("userstore: decode %s: %w", path, err)
	}
	store := NewMemoryStoreWithDefault(defaultMaxConcurrent)
	for _, r := range ff.User {
		pub, err := cryptutil.ParsePublicKeySPKI([]byte(r.PublicKeyPEM))
		if err != nil {
			return nil, fmt.Errorf("userstore: user %q: %w", r.Username, err)
		}
		store.AddUser(UserInfo{
			Username:          r.Username,
			PublicKey:         pub,
			BandwidthLimitBps: r.BandwidthLimitBps,
			MaxConcurrent:     r.MaxConcurrent,
		})
	}
	return store, nil
}
