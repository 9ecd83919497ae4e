package provider

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/oauth2"

	"schedsync/internal/logging"
	"schedsync/internal/metrics"
	"schedsync/internal/models"
)

// RefreshBuffer is how close to expiry a token is refreshed.
const RefreshBuffer = 5 * time.Minute

// IntegrationStore persists refreshed credentials and deactivations.
type IntegrationStore interface {
	UpdateIntegrationTokens(ctx context.Context, integrationID, accessToken, refreshToken string, expiresAt *time.Time) error
	DeactivateIntegration(ctx context.Context, integrationID string) error
}

// Refresher keeps OAuth access tokens fresh. Concurrent refreshes for the same
// integration are not coordinated; each produces a valid token.
type Refresher struct {
	provider models.Provider
	config   *oauth2.Config
	store    IntegrationStore
	logger   *slog.Logger
	metrics  *metrics.Recorder
	now      func() time.Time
}

func NewRefresher(provider models.Provider, config *oauth2.Config, store IntegrationStore, logger *slog.Logger, rec *metrics.Recorder) *Refresher {
	return &Refresher{
		provider: provider,
		config:   config,
		store:    store,
		logger:   logging.OrDiscard(logger),
		metrics:  rec,
		now:      time.Now,
	}
}

// SetClock overrides the time source.
func (r *Refresher) SetClock(now func() time.Time) {
	r.now = now
}

// NeedsRefresh reports whether the token expires within RefreshBuffer.
func NeedsRefresh(integ *models.Integration, now time.Time) bool {
	if integ.TokenExpiresAt == nil {
		return false
	}
	return !integ.TokenExpiresAt.After(now.Add(RefreshBuffer))
}

// EnsureFreshToken returns the access token, refreshing it first when needed.
func (r *Refresher) EnsureFreshToken(ctx context.Context, integ *models.Integration) (string, error) {
	if !integ.IsActive {
		return "", fmt.Errorf("integration %s is inactive: %w", integ.ID, ErrReauthRequired)
	}
	if integ.AccessToken != "" && !NeedsRefresh(integ, r.now()) {
		return integ.AccessToken, nil
	}
	if integ.RefreshToken == "" {
		return "", r.deactivate(ctx, integ, fmt.Errorf("no refresh token"))
	}

	src := r.config.TokenSource(ctx, &oauth2.Token{
		RefreshToken: integ.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	r.metrics.TokenRefresh(ctx, string(r.provider), err)
	if err != nil {
		return "", r.deactivate(ctx, integ, err)
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = integ.RefreshToken
	}
	var expiry *time.Time
	if !tok.Expiry.IsZero() {
		e := tok.Expiry.UTC()
		expiry = &e
	}
	if err := r.store.UpdateIntegrationTokens(ctx, integ.ID, tok.AccessToken, refresh, expiry); err != nil {
		// The fresh token is still usable for this call.
		r.logger.Warn("Failed to persist refreshed token", logging.KeyIntegration, integ.ID, logging.Err(err))
	}
	integ.AccessToken = tok.AccessToken
	integ.RefreshToken = refresh
	integ.TokenExpiresAt = expiry
	r.logger.Debug("Refreshed access token", logging.KeyProvider, r.provider, logging.KeyIntegration, integ.ID)
	return tok.AccessToken, nil
}

func (r *Refresher) deactivate(ctx context.Context, integ *models.Integration, cause error) error {
	r.logger.Warn("Token refresh failed, deactivating integration",
		logging.KeyProvider, r.provider, logging.KeyIntegration, integ.ID, logging.Err(cause))
	if err := r.store.DeactivateIntegration(ctx, integ.ID); err != nil {
		r.logger.Error("Failed to deactivate integration", logging.KeyIntegration, integ.ID, logging.Err(err))
	}
	integ.IsActive = false
	return fmt.Errorf("%s integration %s: %v: %w", r.provider, integ.ID, cause, ErrReauthRequired)
}

// BearerClient returns an HTTP client sending accessToken. The base client is taken
// from ctx (oauth2.HTTPClient) when present.
func BearerClient(ctx context.Context, accessToken string) *http.Client {
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken, TokenType: "Bearer"}))
}
