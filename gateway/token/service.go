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

// Package token issues agent credentials and signs and verifies bearer tokens.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	mathrand "math/rand/v2"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken    = errors.New("invalid token")
	ErrTokenExpired    = errors.New("token expired")
	ErrTokenSuperseded = errors.New("token superseded")
	ErrInvalidAPIKey   = errors.New("invalid api key")
	ErrUnknownAgent    = errors.New("unknown agent")
)

const (
	DefaultAPIKeyPrefix        = "agk_"
	DefaultTokenTTL            = time.Hour
	DefaultMaxTokenAge         = 24 * time.Hour
	DefaultRotationProbability = 0.001

	apiKeyBytes = 32
	secretBytes = 64
)

// Claims is the bearer token payload. IssuedAt and ExpiresAt travel in
// the registered "iat" and "exp" claims.
type Claims struct {
	AgentID     string   `json:"agent_id"`
	Permissions []string `json:"permissions"`
	jwt.RegisteredClaims
}

// Identity is what a verified token resolves to.
type Identity struct {
	AgentID     string    `json:"agent_id"`
	Permissions []string  `json:"permissions"`
	IssuedAt    time.Time `json:"issued_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Credentials are returned exactly once at issuance.
type Credentials struct {
	AgentID   string    `json:"agent_id"`
	APIKey    string    `json:"api_key"`
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Config configures a Service.
type Config struct {
	APIKeyPrefix string
	TokenTTL     time.Duration
	// MaxTokenAge caps token age independently of the signed expiry.
	MaxTokenAge         time.Duration
	RotationProbability float64
	// Secret seeds the signing secret; a random one is generated if empty.
	Secret []byte

	Now     func() time.Time
	Float64 func() float64
}

// Service issues credentials and signs, verifies and rotates bearer
// tokens for the agents in its store.
type Service struct {
	store *Store

	mu     sync.RWMutex
	secret []byte
	cfg    Config
}

// NewService creates a token service bound to store.
func NewService(store *Store, cfg Config) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.APIKeyPrefix == "" {
		cfg.APIKeyPrefix = DefaultAPIKeyPrefix
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.MaxTokenAge <= 0 {
		cfg.MaxTokenAge = DefaultMaxTokenAge
	}
	if cfg.RotationProbability < 0 || cfg.RotationProbability > 1 {
		return nil, fmt.Errorf("rotation probability must be within [0,1], got %v", cfg.RotationProbability)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Float64 == nil {
		cfg.Float64 = mathrand.Float64
	}

	secret := cfg.Secret
	if len(secret) == 0 {
		var err error
		if secret, err = randomBytes(secretBytes); err != nil {
			return nil, fmt.Errorf("generate signing secret: %w", err)
		}
	}
	cfg.Secret = nil

	return &Service{
		store:  store,
		secret: append([]byte(nil), secret...),
		cfg:    cfg,
	}, nil
}

// Store returns the identity store the service issues into.
func (s *Service) Store() *Store {
	return s.store
}

// Issue mints a new agent: a random prefixed API key, the agent record,
// and an initial bearer token. The raw key and token are not retained.
func (s *Service) Issue(name string, permissions []string, origin string) (Credentials, error) {
	raw, err := randomBytes(apiKeyBytes)
	if err != nil {
		return Credentials{}, fmt.Errorf("generate api key: %w", err)
	}
	apiKey := s.cfg.APIKeyPrefix + hex.EncodeToString(raw)
	now := s.cfg.Now()

	agent := &Agent{
		ID:            "agent_" + uuid.New().String(),
		Name:          name,
		Permissions:   append([]string(nil), permissions...),
		APIKeyHash:    HashSecret(apiKey),
		OriginAddress: origin,
		CreatedAt:     now,
		LastAccess:    now,
	}

	token, expiresAt, err := s.sign(agent.ID, agent.Permissions, now)
	if err != nil {
		return Credentials{}, err
	}
	agent.TokenHash = HashSecret(token)
	s.store.put(agent)

	return Credentials{
		AgentID:   agent.ID,
		APIKey:    apiKey,
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// LookupAPIKey resolves a raw API key to its agent.
func (s *Service) LookupAPIKey(apiKey string) (Agent, error) {
	if apiKey == "" {
		return Agent{}, ErrInvalidAPIKey
	}
	agent, ok := s.store.ByAPIKeyHash(HashSecret(apiKey))
	if !ok {
		return Agent{}, ErrInvalidAPIKey
	}
	return agent, nil
}

// IssueToken signs a fresh token for an existing agent. The previous
// token stops verifying because its hash no longer matches.
func (s *Service) IssueToken(agentID string) (string, time.Time, error) {
	agent, ok := s.store.Get(agentID)
	if !ok {
		return "", time.Time{}, ErrUnknownAgent
	}

	token, expiresAt, err := s.sign(agent.ID, agent.Permissions, s.cfg.Now())
	if err != nil {
		return "", time.Time{}, err
	}
	if !s.store.setTokenHash(agent.ID, HashSecret(token)) {
		return "", time.Time{}, ErrUnknownAgent
	}
	return token, expiresAt, nil
}

// Refresh exchanges an API key for a new token.
func (s *Service) Refresh(apiKey string) (Agent, string, time.Time, error) {
	agent, err := s.LookupAPIKey(apiKey)
	if err != nil {
		return Agent{}, "", time.Time{}, err
	}
	token, expiresAt, err := s.IssueToken(agent.ID)
	if err != nil {
		return Agent{}, "", time.Time{}, err
	}
	return agent, token, expiresAt, nil
}

func (s *Service) sign(agentID string, permissions []string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.cfg.TokenTTL)
	claims := Claims{
		AgentID:     agentID,
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   agentID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	s.mu.RLock()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	s.mu.RUnlock()
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, expiresAt, nil
}

// Verify checks the signature and expiry, then that the token is the
// agent's current one, then that it is not older than MaxTokenAge.
func (s *Service) Verify(raw string) (Identity, error) {
	if raw == "" {
		return Identity{}, ErrInvalidToken
	}

	s.mu.RLock()
	secret := s.secret
	s.mu.RUnlock()

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.cfg.Now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Identity{}, ErrTokenExpired
		}
		return Identity{}, ErrInvalidToken
	}
	if claims.AgentID == "" || claims.IssuedAt == nil {
		return Identity{}, ErrInvalidToken
	}

	current, ok := s.store.tokenHash(claims.AgentID)
	if !ok {
		return Identity{}, ErrInvalidToken
	}
	if subtle.ConstantTimeCompare([]byte(current), []byte(HashSecret(raw))) != 1 {
		return Identity{}, ErrTokenSuperseded
	}

	issuedAt := claims.IssuedAt.UTC()
	if s.cfg.Now().Sub(issuedAt) > s.MaxTokenAge() {
		return Identity{}, ErrTokenExpired
	}

	return Identity{
		AgentID:     claims.AgentID,
		Permissions: claims.Permissions,
		IssuedAt:    issuedAt,
		ExpiresAt:   claims.ExpiresAt.UTC(),
	}, nil
}

// Inspect decodes a token without verifying it and reports the agent it
// names and its age. It is only for describing a rejected token.
func (s *Service) Inspect(raw string) (agentID string, age time.Duration, ok bool) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil || claims.IssuedAt == nil {
		return "", 0, false
	}
	return claims.AgentID, s.cfg.Now().Sub(claims.IssuedAt.Time), true
}

// Rotate replaces the signing secret. Every outstanding token stops
// verifying.
func (s *Service) Rotate() error {
	secret, err := randomBytes(secretBytes)
	if err != nil {
		return fmt.Errorf("generate signing secret: %w", err)
	}
	s.mu.Lock()
	s.secret = secret
	s.mu.Unlock()
	return nil
}

// MaybeRotate rotates with the configured probability and reports
// whether a rotation happened. It is sampled once per housekeeping tick.
func (s *Service) MaybeRotate() (bool, error) {
	s.mu.RLock()
	p := s.cfg.RotationProbability
	s.mu.RUnlock()

	if p <= 0 || s.cfg.Float64() >= p {
		return false, nil
	}
	if err := s.Rotate(); err != nil {
		return false, err
	}
	return true, nil
}

// MaxTokenAge returns the configured maximum token age.
func (s *Service) MaxTokenAge() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.MaxTokenAge
}

// SetMaxTokenAge updates the maximum token age.
func (s *Service) SetMaxTokenAge(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("max token age must be positive, got %v", d)
	}
	s.mu.Lock()
	s.cfg.MaxTokenAge = d
	s.mu.Unlock()
	return nil
}

// SetRotationProbability updates the per-tick rotation probability.
func (s *Service) SetRotationProbability(p float64) error {
	if p < 0 || p > 1 {
		return fmt.Errorf("rotation probability must be within [0,1], got %v", p)
	}
	s.mu.Lock()
	s.cfg.RotationProbability = p
	s.mu.Unlock()
	return nil
}

// HashSecret returns the hex SHA-256 of a raw key or token.
func HashSecret(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}
