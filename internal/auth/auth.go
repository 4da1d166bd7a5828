package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"slices"
)

// Plan features.
const (
	FeatureRouting       = "routing"
	FeatureCustomWeights = "custom_weights"
)

// TierFree is the tier that is hard-blocked at its daily limit.
const TierFree = "free"

// Plan is the subscription an agent's account is on, as seen by the request
// path.
type Plan struct {
	ID            string
	Name          string
	Tier          string
	DailyLimit    int64
	RoutingFeePct float64
	Features      []string
}

// Has reports whether the plan grants feature.
func (p Plan) Has(feature string) bool {
	return slices.Contains(p.Features, feature)
}

// Paid reports whether the plan is billed for overage instead of blocked.
func (p Plan) Paid() bool {
	return p.Tier != "" && p.Tier != TierFree
}

// Agent represents an authenticated API agent and the account it acts for.
type Agent struct {
	ID        string
	Name      string
	AccountID string
	RateLimit int
	Plan      Plan
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 14 characters of the plaintext key
}

// AgentLookup is the interface for retrieving agents by their key hash.
type AgentLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Agent, error)
}

// MetricsRecorder is an optional interface for recording auth outcomes.
type MetricsRecorder interface {
	IncAuthSuccess(authType string)
	IncAuthFailure(authType string)
}

// Service provides authentication operations backed by an agent store.
type Service struct {
	store   AgentLookup
	metrics MetricsRecorder
}

// NewService creates a new authentication service.
func NewService(store AgentLookup) *Service {
	return &Service{store: store}
}

// SetMetrics sets the optional metrics recorder.
func (s *Service) SetMetrics(m MetricsRecorder) {
	s.metrics = m
}

// Authenticate resolves a plaintext API key to its agent.
func (s *Service) Authenticate(ctx context.Context, plaintext string) (*Agent, error) {
	agent, err := s.store.GetByKeyHash(ctx, HashKey(plaintext))
	if err == nil && agent == nil {
		err = fmt.Errorf("no agent for key")
	}
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncAuthFailure("agent")
		}
		return nil, err
	}
	if s.metrics != nil {
		s.metrics.IncAuthSuccess("agent")
	}
	return agent, nil
}

// GenerateAPIKey creates a new API key with the "tg_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing the
// hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := "tg_" + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:14],
	}

	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
