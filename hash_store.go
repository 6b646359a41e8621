// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hoist

import (
	"database/sql"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // sqlite driver
	"shanhu.io/misc/errcode"
)

// Hash store policies, set by config HOIST.HASH_STORE.
const (
	HashStoreMemory = "memory"
	HashStoreSqlite = "sqlite"
)

// HashStore keeps the signatures recorded by checkers, keyed by task name
// and checker key.
type HashStore interface {
	Get(task, key string) (string, bool, error)
	Put(task, key, hash string) error
	Close() error
}

type hashKey struct {
	task string
	key  string
}

type memHashStore struct {
	mu sync.Mutex
	m  map[hashKey]string
}

// NewMemHashStore creates a hash store that only lives in the process.
func NewMemHashStore() HashStore {
	return &memHashStore{m: make(map[hashKey]string)}
}

func (s *memHashStore) Get(task, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.m[hashKey{task: task, key: key}]
	return h, ok, nil
}

func (s *memHashStore) Put(task, key, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[hashKey{task: task, key: key}] = hash
	return nil
}

func (s *memHashStore) Close() error { return nil }

type sqliteHashStore struct {
	db *sql.DB
}

const createHashTable = `
create table if not exists hashes (
	task text not null,
	key text not null,
	hash text not null,
	primary key (task, key)
)`

// OpenSqliteHashStore opens a hash store that persists in a sqlite
// database file, so that signatures survive across invocations.
func OpenSqliteHashStore(f string) (HashStore, error) {
	if err := os.MkdirAll(filepath.Dir(f), 0700); err != nil {
		return nil, errcode.Annotate(err, "make hash store dir")
	}
	db, err := sql.Open("sqlite", f)
	if err != nil {
		return nil, errcode.Annotate(err, "open sqlite")
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(createHashTable); err != nil {
		db.Close()
		return nil, errcode.Annotate(err, "create hashes table")
	}
	return &sqliteHashStore{db: db}, nil
}

func (s *sqliteHashStore) Get(task, key string) (string, bool, error) {
	row := s.db.QueryRow(
		`select hash from hashes where task=? and key=?`, task, key,
	)
	var h string
	if err := row.Scan(&h); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, errcode.Annotate(err, "query hash")
	}
	return h, true, nil
}

func (s *sqliteHashStore) Put(task, key, hash string) error {
	if _, err := s.db.Exec(
		`insert or replace into hashes (task, key, hash) values (?, ?, ?)`,
		task, key, hash,
	); err != nil {
		return errcode.Annotate(err, "save hash")
	}
	return nil
}

func (s *sqliteHashStore) Close() error { return s.db.Close() }

// openHashStore opens the hash store by the HOIST.HASH_STORE policy.
// Relative database paths are relative to dir.
func openHashStore(c *Config, dir string) (HashStore, error) {
	policy, err := c.Get("HOIST.HASH_STORE")
	if err != nil {
		return nil, err
	}
	switch policy {
	case "", HashStoreMemory:
		return NewMemHashStore(), nil
	case HashStoreSqlite:
		f, err := c.Get("HOIST.HASH_DB")
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(f) {
			f = filepath.Join(dir, f)
		}
		if err := os.MkdirAll(filepath.Dir(f), 0755); err != nil {
			return nil, errcode.Annotate(err, "make hash store dir")
		}
		return OpenSqliteHashStore(f)
	}
	return nil, errcode.InvalidArgf("unknown hash store policy %q", policy)
}
