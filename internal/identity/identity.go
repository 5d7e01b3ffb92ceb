package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/saviobatista/fieldtrack/internal/types"
)

// ProfileStore is the authoritative source of subject identities
type ProfileStore interface {
	GetProfile(ctx context.Context, subjectID string) (*types.Profile, error)
}

// ProfileCache holds resolved profiles between lookups, keyed per tenant
type ProfileCache interface {
	GetProfile(ctx context.Context, tenantID, subjectID string) (*types.Profile, error)
	StoreProfile(ctx context.Context, tenantID string, profile *types.Profile, ttl time.Duration) error
}

// Signer turns avatar references into signed, expiring URLs
type Signer struct {
	baseURL string
	key     []byte
	ttl     time.Duration
}

// NewSigner creates a signer. An empty key produces unsigned URLs.
func NewSigner(baseURL, key string, ttl time.Duration) *Signer {
	return &Signer{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     []byte(key),
		ttl:     ttl,
	}
}

// Sign returns the URL for ref valid until now+ttl. Absolute references are returned as is.
func (s *Signer) Sign(ref string, now time.Time) string {
	if ref == "" {
		return ""
	}
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	path := "/" + strings.TrimLeft(ref, "/")
	if len(s.key) == 0 {
		return s.baseURL + path
	}

	expires := strconv.FormatInt(now.Add(s.ttl).Unix(), 10)
	q := url.Values{}
	q.Set("expires", expires)
	q.Set("signature", s.signature(path, expires))
	return s.baseURL + path + "?" + q.Encode()
}

func (s *Signer) signature(path, expires string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write([]byte(path))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(expires))
	return hex.EncodeToString(mac.Sum(nil))
}

// Resolver resolves subject profiles through the cache, falling back to the store
type Resolver struct {
	tenantID string
	store    ProfileStore
	cache    ProfileCache
	signer   *Signer
	cacheTTL time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewResolver creates a profile resolver. cache may be nil.
func NewResolver(store ProfileStore, cache ProfileCache, signer *Signer, cacheTTL time.Duration, logger zerolog.Logger) *Resolver {
	// Cached URLs must not outlive their signature
	if signer != nil && signer.ttl > 0 && cacheTTL >= signer.ttl {
		cacheTTL = signer.ttl / 2
	}
	return &Resolver{
		store:    store,
		cache:    cache,
		signer:   signer,
		cacheTTL: cacheTTL,
		logger:   logger.With().Str("component", "identity").Logger(),
		now:      time.Now,
	}
}

// ForTenant returns a resolver sharing r's store, cache and signer whose cache
// entries are scoped to tenantID
func (r *Resolver) ForTenant(tenantID string) *Resolver {
	scoped := *r
	scoped.tenantID = tenantID
	scoped.logger = r.logger.With().Str("tenant", tenantID).Logger()
	return &scoped
}

// ResolveProfile returns the profile of a subject with its avatar URL resolved.
// Returns nil without error when the subject is unknown.
func (r *Resolver) ResolveProfile(ctx context.Context, subjectID string) (*types.Profile, error) {
	if r.cache != nil {
		cached, err := r.cache.GetProfile(ctx, r.tenantID, subjectID)
		if err != nil {
			r.logger.Warn().Err(err).Str("subject", subjectID).Msg("Profile cache read failed")
		} else if cached != nil {
			return cached, nil
		}
	}

	profile, err := r.store.GetProfile(ctx, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to load profile: %w", err)
	}
	if profile == nil {
		return nil, nil
	}

	if r.signer != nil {
		profile.AvatarURL = r.signer.Sign(profile.AvatarRef, r.now())
	}

	if r.cache != nil && r.cacheTTL > 0 {
		if err := r.cache.StoreProfile(ctx, r.tenantID, profile, r.cacheTTL); err != nil {
			r.logger.Warn().Err(err).Str("subject", subjectID).Msg("Profile cache write failed")
		}
	}
	return profile, nil
}
