package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"schedsync/internal/models"
	"schedsync/internal/store"
)

// IntegrationStatus is the connection state of one integration, for display.
type IntegrationStatus struct {
	IntegrationID  string               `json:"integration_id"`
	Provider       models.Provider      `json:"provider"`
	AccountEmail   string               `json:"account_email"`
	CalendarID     string               `json:"calendar_id,omitempty"`
	IsActive       bool                 `json:"is_active"`
	NeedsReauth    bool                 `json:"needs_reauth"`
	TokenExpiresAt *time.Time           `json:"token_expires_at,omitempty"`
	TokenExpired   bool                 `json:"token_expired"`
	Incremental    bool                 `json:"incremental"`
	LastSyncedAt   *time.Time           `json:"last_synced_at,omitempty"`
	LastRun        *models.SyncLogEntry `json:"last_run,omitempty"`
}

// IntegrationStatuses reports every integration of the company, newest first, including
// deactivated ones so a reconnect can be offered.
func (s *Syncer) IntegrationStatuses(ctx context.Context, companyID string) ([]IntegrationStatus, error) {
	integrations, err := s.store.ListIntegrations(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list integrations: %w", err)
	}
	now := s.now()
	out := make([]IntegrationStatus, 0, len(integrations))
	for _, integ := range integrations {
		st := IntegrationStatus{
			IntegrationID:  integ.ID,
			Provider:       integ.Provider,
			AccountEmail:   integ.AccountEmail,
			CalendarID:     integ.CalendarID,
			IsActive:       integ.IsActive,
			NeedsReauth:    !integ.IsActive,
			TokenExpiresAt: integ.TokenExpiresAt,
			TokenExpired:   integ.TokenExpiresAt != nil && !integ.TokenExpiresAt.After(now),
			Incremental:    integ.SyncToken != "",
			LastSyncedAt:   integ.LastSyncedAt,
		}
		last, err := s.store.LatestSyncLog(ctx, integ.ID)
		switch {
		case err == nil:
			st.LastRun = last
		case !errors.Is(err, store.ErrNotFound):
			return nil, fmt.Errorf("failed to load sync log: %w", err)
		}
		out = append(out, st)
	}
	return out, nil
}
