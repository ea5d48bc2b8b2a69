// Copyright 2025 AxonFlow
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package token

import (
	"sync"
	"time"
)

// Agent is one authenticated identity. Only hashes of the API key and of
// the current bearer token are held.
type Agent struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Permissions   []string  `json:"permissions"`
	APIKeyHash    string    `json:"-"`
	TokenHash     string    `json:"-"`
	OriginAddress string    `json:"origin_address"`
	CreatedAt     time.Time `json:"created_at"`
	LastAccess    time.Time `json:"last_access"`

	// StaleReported is set once a stale-agent event has been raised and
	// cleared on the next successful access.
	StaleReported bool `json:"-"`
}

func (a *Agent) clone() Agent {
	cp := *a
	cp.Permissions = append([]string(nil), a.Permissions...)
	return cp
}

// Store is the in-memory identity store, indexed by id and by API key
// hash. Callers always receive copies.
type Store struct {
	mu        sync.RWMutex
	byID      map[string]*Agent
	byKeyHash map[string]*Agent
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		byID:      make(map[string]*Agent),
		byKeyHash: make(map[string]*Agent),
	}
}

func (s *Store) put(a *Agent) {
	s.mu.Lock()
	s.byID[a.ID] = a
	s.byKeyHash[a.APIKeyHash] = a
	s.mu.Unlock()
}

// Get returns the agent with the given id.
func (s *Store) Get(id string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

// ByAPIKeyHash returns the agent owning the API key hash.
func (s *Store) ByAPIKeyHash(hash string) (Agent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byKeyHash[hash]
	if !ok {
		return Agent{}, false
	}
	return a.clone(), true
}

func (s *Store) tokenHash(id string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.byID[id]
	if !ok {
		return "", false
	}
	return a.TokenHash, true
}

func (s *Store) setTokenHash(id, hash string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return false
	}
	a.TokenHash = hash
	return true
}

// Touch records a successful access from origin.
func (s *Store) Touch(id, origin string, at time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return false
	}
	a.LastAccess = at
	a.OriginAddress = origin
	a.StaleReported = false
	return true
}

// MarkStaleReported flags the agent as reported stale. It returns false
// if the agent is gone or was already flagged.
func (s *Store) MarkStaleReported(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok || a.StaleReported {
		return false
	}
	a.StaleReported = true
	return true
}

// Remove deletes the agent from both indexes.
func (s *Store) Remove(id string) (Agent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.byID[id]
	if !ok {
		return Agent{}, false
	}
	delete(s.byID, id)
	delete(s.byKeyHash, a.APIKeyHash)
	return a.clone(), true
}

// List returns a snapshot of all agents.
func (s *Store) List() []Agent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Agent, 0, len(s.byID))
	for _, a := range s.byID {
		out = append(out, a.clone())
	}
	return out
}

// Len returns the number of agents.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}
