package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/latticehq/lattice/pkg/cache"
	"github.com/latticehq/lattice/pkg/fault"
	"github.com/latticehq/lattice/pkg/observability"
)

// Resolver maps arbitrary identifiers to user identities. An identifier may
// be an internal id, the provider subject, an email, or a username; lookups
// run in that order and stop at the first match.
type Resolver struct {
	store    *Store
	sessions Sessions
	verifier TokenVerifier
	profiles ProfileFetcher
	redis    *cache.Client
	ttl      time.Duration
	backoff  time.Duration

	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewResolver creates a resolver. verifier may be nil when token resolution
// is not needed; redis may be nil to disable caching.
func NewResolver(store *Store, sessions Sessions, verifier TokenVerifier, redis *cache.Client, ttl, backoff time.Duration, logger *observability.Logger, metrics *observability.Metrics) *Resolver {
	return &Resolver{
		store:    store,
		sessions: sessions,
		verifier: verifier,
		redis:    redis,
		ttl:      ttl,
		backoff:  backoff,
		logger:   logger.WithComponent("identity"),
		metrics:  metrics,
	}
}

// SetProfiles attaches the provider's management client. With one attached,
// tokens with sparse claims are enriched from the stored profile before
// sync, and subjects blocked at the provider never sync.
func (r *Resolver) SetProfiles(p ProfileFetcher) {
	r.profiles = p
}

// Resolve finds the identity behind an identifier within a tenant. An empty
// tenantID resolves against the control plane. Resolution never creates
// rows; unknown identifiers return ErrUserNotFound.
func (r *Resolver) Resolve(ctx context.Context, identifier, tenantID string) (*UserIdentity, error) {
	if identifier == "" {
		return nil, fmt.Errorf("empty identifier: %w", fault.ErrUserNotFound)
	}

	q, schemaName, release, err := r.sessions.Session(ctx, tenantID)
	if err != nil {
		return nil, fault.Undetermined("identity session", err)
	}
	defer release()

	if cached := r.fromCache(ctx, schemaName, identifier); cached != nil {
		r.count("cache", "hit")
		return cached, nil
	}

	user, matchedBy, err := r.lookupOrdered(ctx, q, schemaName, identifier)
	if err != nil {
		if errors.Is(err, fault.ErrUserNotFound) {
			r.count("none", "miss")
			return nil, fmt.Errorf("%q in %s: %w", identifier, schemaName, fault.ErrUserNotFound)
		}
		r.count("none", "error")
		return nil, fault.Undetermined("identity lookup", err)
	}

	r.count(matchedBy, "ok")
	r.toCache(ctx, schemaName, identifier, user)
	return user, nil
}

// ResolveToken verifies a bearer token and resolves its subject. A verified
// subject with no row yet is synced just-in-time; this is the only creation
// path.
func (r *Resolver) ResolveToken(ctx context.Context, rawToken, tenantID string) (*UserIdentity, error) {
	if r.verifier == nil {
		return nil, fmt.Errorf("no token verifier configured")
	}

	claims, err := r.verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, fmt.Errorf("token verification failed: %w", err)
	}
	if claims.TenantID != "" && tenantID != "" && claims.TenantID != tenantID {
		return nil, fmt.Errorf("token issued for another tenant: %w", fault.ErrUserNotFound)
	}

	q, schemaName, release, err := r.sessions.Session(ctx, tenantID)
	if err != nil {
		return nil, fault.Undetermined("identity session", err)
	}
	defer release()

	user, err := r.retryLookup(ctx, func(ctx context.Context) (*UserIdentity, error) {
		return r.store.BySubject(ctx, q, schemaName, claims.Subject)
	})
	if err == nil {
		if touchErr := r.store.TouchLastLogin(ctx, q, schemaName, user.ID); touchErr != nil {
			r.logger.WithError(touchErr).Debug("Last-login stamp failed")
		}
		r.count("subject", "ok")
		return user, nil
	}
	if !errors.Is(err, fault.ErrUserNotFound) {
		return nil, fault.Undetermined("identity lookup", err)
	}

	if r.profiles != nil && (claims.Email == "" || claims.Username == "") {
		if err := r.enrichClaims(ctx, claims); err != nil {
			return nil, err
		}
	}

	user, err = r.store.Sync(ctx, q, schemaName, claims)
	if err != nil {
		return nil, fault.Undetermined("identity sync", err)
	}
	r.count("subject", "synced")
	r.logger.WithFields(map[string]interface{}{
		"schema":  schemaName,
		"user_id": user.ID,
	}).Info("Identity synced from verified token")
	r.toCache(ctx, schemaName, user.ExternalSubject, user)
	return user, nil
}

// Invalidate drops cached resolutions for the given identifiers.
func (r *Resolver) Invalidate(ctx context.Context, schemaName string, identifiers ...string) error {
	if r.redis == nil || len(identifiers) == 0 {
		return nil
	}
	keys := make([]string, len(identifiers))
	for i, id := range identifiers {
		keys[i] = cache.UserKey(schemaName, id)
	}
	if r.metrics != nil {
		r.metrics.CacheInvalidated.WithLabelValues("user").Inc()
	}
	return r.redis.Delete(ctx, keys...)
}

// enrichClaims fills missing claim fields from the provider's stored
// profile. A fetch failure falls back to the token's claims; a blocked
// subject aborts the sync.
func (r *Resolver) enrichClaims(ctx context.Context, claims *Claims) error {
	profile, err := r.profiles.FetchProfile(ctx, claims.Subject)
	if err != nil {
		r.logger.WithError(err).Debug("Profile enrichment failed; syncing from token claims")
		return nil
	}
	if profile.Blocked {
		return fmt.Errorf("subject blocked at the provider: %w", fault.ErrUserNotFound)
	}
	if claims.Email == "" {
		claims.Email = profile.Email
	}
	if claims.Username == "" {
		claims.Username = profile.Username
	}
	if claims.Name == "" {
		claims.Name = profile.Name
	}
	return nil
}

// lookupOrdered tries each identifier interpretation in a fixed order. The
// uuid and email gates keep obviously inapplicable probes off the store.
func (r *Resolver) lookupOrdered(ctx context.Context, q Querier, schemaName, identifier string) (*UserIdentity, string, error) {
	type attempt struct {
		matchedBy string
		applies   bool
		fn        func(ctx context.Context) (*UserIdentity, error)
	}

	_, uuidErr := uuid.Parse(identifier)
	attempts := []attempt{
		{"id", uuidErr == nil, func(ctx context.Context) (*UserIdentity, error) {
			return r.store.ByID(ctx, q, schemaName, identifier)
		}},
		{"subject", true, func(ctx context.Context) (*UserIdentity, error) {
			return r.store.BySubject(ctx, q, schemaName, identifier)
		}},
		{"email", strings.Contains(identifier, "@"), func(ctx context.Context) (*UserIdentity, error) {
			return r.store.ByEmail(ctx, q, schemaName, identifier)
		}},
		{"username", true, func(ctx context.Context) (*UserIdentity, error) {
			return r.store.ByUsername(ctx, q, schemaName, identifier)
		}},
	}

	for _, a := range attempts {
		if !a.applies {
			continue
		}
		user, err := r.retryLookup(ctx, a.fn)
		if err == nil {
			return user, a.matchedBy, nil
		}
		if !errors.Is(err, fault.ErrUserNotFound) {
			return nil, "", err
		}
	}
	return nil, "", fault.ErrUserNotFound
}

func (r *Resolver) retryLookup(ctx context.Context, fn func(ctx context.Context) (*UserIdentity, error)) (*UserIdentity, error) {
	var user *UserIdentity
	err := fault.RetryOnce(ctx, r.backoff, func(ctx context.Context) error {
		var lookupErr error
		user, lookupErr = fn(ctx)
		return lookupErr
	})
	return user, err
}

func (r *Resolver) fromCache(ctx context.Context, schemaName, identifier string) *UserIdentity {
	if r.redis == nil {
		return nil
	}
	var u UserIdentity
	ok, err := r.redis.GetJSON(ctx, cache.UserKey(schemaName, identifier), &u)
	if err != nil {
		r.logger.WithError(err).Debug("Identity cache read failed")
		return nil
	}
	if !ok {
		return nil
	}
	// A cached identity must belong to the schema it was asked for.
	if u.SchemaName != schemaName {
		_ = r.redis.Delete(ctx, cache.UserKey(schemaName, identifier))
		return nil
	}
	return &u
}

func (r *Resolver) toCache(ctx context.Context, schemaName, identifier string, user *UserIdentity) {
	if r.redis == nil {
		return
	}
	if err := r.redis.SetJSON(ctx, cache.UserKey(schemaName, identifier), user, r.ttl); err != nil {
		r.logger.WithError(err).Debug("Identity cache write failed")
	}
}

func (r *Resolver) count(matchedBy, status string) {
	if r.metrics != nil {
		r.metrics.IdentityResolutions.WithLabelValues(matchedBy, status).Inc()
	}
}
