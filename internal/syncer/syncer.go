// Package syncer pulls provider changes into the local appointment store.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"schedsync/internal/logging"
	"schedsync/internal/metrics"
	"schedsync/internal/models"
	"schedsync/internal/provider"
	"schedsync/internal/store"
)

// maxPages stops a run whose provider keeps returning page tokens.
const maxPages = 500

// MetaSource marks appointments imported from a provider.
const MetaSource = "source"

// ErrInactive is returned when syncing a deactivated integration.
var ErrInactive = errors.New("integration is not active")

// Store is the persistence the orchestrator needs.
type Store interface {
	GetIntegration(ctx context.Context, id string) (*models.Integration, error)
	ListIntegrations(ctx context.Context, companyID string) ([]models.Integration, error)
	ActiveIntegrations(ctx context.Context, companyID string) ([]models.Integration, error)
	CompaniesWithActiveIntegrations(ctx context.Context) ([]string, error)
	SaveSyncState(ctx context.Context, id, syncToken string, syncedAt time.Time) error
	ClearSyncToken(ctx context.Context, id string) error

	CreateSyncLog(ctx context.Context, entry *models.SyncLogEntry) error
	FinishSyncLog(ctx context.Context, entry *models.SyncLogEntry) error
	LatestSyncLog(ctx context.Context, integrationID string) (*models.SyncLogEntry, error)

	FindByExternalID(ctx context.Context, companyID string, p models.Provider, providerID string) (*models.Appointment, error)
	CreateAppointment(ctx context.Context, a *models.Appointment) error
	SaveAppointment(ctx context.Context, a *models.Appointment) error
}

// Invalidator drops cached busy time of an integration.
type Invalidator interface {
	Invalidate(ctx context.Context, integrationID string)
}

// Result summarizes one integration's run.
type Result struct {
	IntegrationID string          `json:"integration_id"`
	Provider      models.Provider `json:"provider"`
	SyncType      models.SyncType `json:"sync_type"`
	LogID         string          `json:"log_id,omitempty"`
	Created       int             `json:"created"`
	Updated       int             `json:"updated"`
	Cancelled     int             `json:"cancelled"`
	Skipped       int             `json:"skipped"`
	Pushed        int             `json:"pushed"`
	Reset         bool            `json:"reset"`
	Error         string          `json:"error,omitempty"`
}

// Syncer orchestrates inbound synchronization for every calendar integration.
type Syncer struct {
	store    Store
	registry *provider.Registry
	cache    Invalidator
	metrics  *metrics.Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewSyncer creates a new Syncer.
func NewSyncer(st Store, registry *provider.Registry, logger *slog.Logger, rec *metrics.Recorder) *Syncer {
	return &Syncer{
		store:    st,
		registry: registry,
		metrics:  rec,
		logger:   logging.OrDiscard(logger),
		now:      time.Now,
	}
}

// SetCache makes completed runs invalidate cached busy time.
func (s *Syncer) SetCache(c Invalidator) {
	s.cache = c
}

// SetClock replaces the time source.
func (s *Syncer) SetClock(now func() time.Time) {
	s.now = now
}

// RunSyncByID loads an integration and syncs it.
func (s *Syncer) RunSyncByID(ctx context.Context, integrationID string) (*Result, error) {
	integ, err := s.store.GetIntegration(ctx, integrationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integration: %w", err)
	}
	return s.RunSync(ctx, integ)
}

// RunSync pulls one integration's changes. It is incremental when a continuation token is
// stored and full otherwise. On failure the stored token is left untouched so the next run
// resumes from the same point; the run is recorded in the sync log either way.
func (s *Syncer) RunSync(ctx context.Context, integ *models.Integration) (*Result, error) {
	if !integ.IsActive {
		return nil, ErrInactive
	}
	adapter, err := s.registry.Get(integ.Provider)
	if err != nil {
		return nil, err
	}
	if !adapter.Capabilities().Calendar {
		return nil, fmt.Errorf("%s: %w", integ.Provider, provider.ErrNotSupported)
	}

	logger := logging.WithOperation(s.logger, "run_sync").With(
		logging.KeyCompany, integ.CompanyID,
		logging.KeyIntegration, integ.ID,
		logging.KeyProvider, integ.Provider,
	)

	res := &Result{IntegrationID: integ.ID, Provider: integ.Provider, SyncType: models.SyncIncremental}
	if integ.SyncToken == "" {
		res.SyncType = models.SyncFull
	}
	entry := &models.SyncLogEntry{
		IntegrationID: integ.ID,
		CompanyID:     integ.CompanyID,
		Provider:      integ.Provider,
		SyncType:      res.SyncType,
		Direction:     models.SyncInbound,
		Status:        models.SyncRunning,
		StartedAt:     s.now().UTC(),
	}
	if err := s.store.CreateSyncLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("failed to record sync run: %w", err)
	}
	res.LogID = entry.ID
	logger.Info("Starting sync cycle.", "sync_type", res.SyncType)

	runErr := s.pull(ctx, logger, adapter, integ, res)

	finished := s.now().UTC()
	entry.SyncType = res.SyncType
	entry.EventsCreated = res.Created
	entry.EventsUpdated = res.Updated
	entry.EventsCancelled = res.Cancelled
	entry.EventsSkipped = res.Skipped
	entry.FinishedAt = &finished
	entry.Status = models.SyncCompleted
	if runErr != nil {
		entry.Status = models.SyncFailed
		entry.Error = runErr.Error()
		res.Error = runErr.Error()
	}
	if err := s.store.FinishSyncLog(ctx, entry); err != nil {
		logger.Error("Failed to finish sync log", logging.Err(err))
	}

	s.metrics.SyncRun(ctx, string(integ.Provider), string(res.SyncType), string(entry.Status))
	s.metrics.SyncEvents(ctx, string(integ.Provider), "created", res.Created)
	s.metrics.SyncEvents(ctx, string(integ.Provider), "updated", res.Updated)
	s.metrics.SyncEvents(ctx, string(integ.Provider), "cancelled", res.Cancelled)
	s.metrics.SyncEvents(ctx, string(integ.Provider), "skipped", res.Skipped)
	s.metrics.SyncEvents(ctx, string(integ.Provider), "pushed", res.Pushed)
	if s.cache != nil && res.Created+res.Updated+res.Cancelled > 0 {
		s.cache.Invalidate(ctx, integ.ID)
	}

	if runErr != nil {
		logger.Error("Sync cycle failed", logging.Err(runErr))
		return res, runErr
	}
	logger.Info("Sync cycle finished.", "created", res.Created, "updated", res.Updated, "cancelled", res.Cancelled, "skipped", res.Skipped, "pushed", res.Pushed)
	return res, nil
}

func (s *Syncer) pull(ctx context.Context, logger *slog.Logger, adapter provider.Provider, integ *models.Integration, res *Result) error {
	// The window is fixed up front so a cursor fallback and its later pages list the same range.
	q := provider.FullWindow(provider.ChangeQuery{SyncToken: integ.SyncToken}, s.now())

	var nextToken string
	for page := 0; ; page++ {
		if page == maxPages {
			return fmt.Errorf("gave up after %d pages", maxPages)
		}
		cs, err := adapter.ListChanges(ctx, integ, q)
		if err != nil {
			return fmt.Errorf("failed to list changes: %w", err)
		}
		if cs.Reset && !res.Reset {
			logger.Warn("Continuation token expired, fell back to a full listing")
			res.Reset = true
			res.SyncType = models.SyncFull
			q.SyncToken = ""
		}
		for i := range cs.Events {
			s.apply(ctx, logger, adapter, integ, &cs.Events[i], res)
		}
		if !cs.HasMore() {
			nextToken = cs.NextSyncToken
			break
		}
		q.PageToken = cs.NextPageToken
	}

	switch {
	case nextToken != "":
		if err := s.store.SaveSyncState(ctx, integ.ID, nextToken, s.now().UTC()); err != nil {
			return fmt.Errorf("failed to save sync token: %w", err)
		}
		integ.SyncToken = nextToken
	case res.Reset:
		if err := s.store.ClearSyncToken(ctx, integ.ID); err != nil {
			return fmt.Errorf("failed to clear expired sync token: %w", err)
		}
		integ.SyncToken = ""
	}
	return nil
}

// apply reconciles one remote event. Record-level problems are logged and counted as skipped.
// A local record whose last push did not land wins over the remote copy and is pushed again,
// unless the remote copy was deleted.
func (s *Syncer) apply(ctx context.Context, logger *slog.Logger, adapter provider.Provider, integ *models.Integration, ev *provider.RemoteEvent, res *Result) {
	if ev.ProviderID == "" {
		logger.Warn("Skipping remote event without id", "title", ev.Title)
		res.Skipped++
		return
	}
	logger = logger.With(logging.KeyProviderEvent, ev.ProviderID)

	existing, err := s.store.FindByExternalID(ctx, integ.CompanyID, integ.Provider, ev.ProviderID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		logger.Warn("Failed to look up local mapping", logging.Err(err))
		res.Skipped++
		return
	}

	switch {
	case existing != nil && unsynced(existing) && (!ev.Cancelled || existing.Status == models.StatusCancelled):
		s.repush(ctx, logger, adapter, integ, existing, ev.ProviderID, res)

	case ev.Cancelled:
		if existing == nil || existing.Status == models.StatusCancelled {
			res.Skipped++
			return
		}
		now := s.now().UTC()
		existing.Status = models.StatusCancelled
		existing.CancelledAt = &now
		existing.CancelReason = fmt.Sprintf("cancelled in %s", integ.Provider)
		if err := s.store.SaveAppointment(ctx, existing); err != nil {
			logger.Warn("Failed to cancel local appointment", logging.KeyAppointment, existing.ID, logging.Err(err))
			res.Skipped++
			return
		}
		logger.Info("Cancelled local appointment", logging.KeyAppointment, existing.ID)
		res.Cancelled++

	case ev.Start.IsZero() || !ev.End.After(ev.Start):
		logger.Warn("Skipping remote event with invalid times", "start", ev.Start, "end", ev.End)
		res.Skipped++

	case existing != nil:
		if existing.Status == models.StatusCancelled || !merge(existing, ev, integ.Provider) {
			res.Skipped++
			return
		}
		if err := s.store.SaveAppointment(ctx, existing); err != nil {
			logger.Warn("Failed to update local appointment", logging.KeyAppointment, existing.ID, logging.Err(err))
			res.Skipped++
			return
		}
		res.Updated++

	default:
		a := imported(integ, ev)
		if err := s.store.CreateAppointment(ctx, a); err != nil {
			logger.Warn("Failed to import remote event", logging.Err(err))
			res.Skipped++
			return
		}
		logger.Debug("Imported remote event", logging.KeyAppointment, a.ID)
		res.Created++
	}
}

// repush sends the local state of a record with unsynced edits to the provider it came back from.
// On success this provider's entry is dropped from the record's sync error.
func (s *Syncer) repush(ctx context.Context, logger *slog.Logger, adapter provider.Provider, integ *models.Integration, a *models.Appointment, providerID string, res *Result) {
	logger = logger.With(logging.KeyAppointment, a.ID, "sync_status", a.SyncStatus)

	var err error
	if a.Status == models.StatusCancelled {
		err = adapter.DeleteEvent(ctx, integ, providerID)
		if errors.Is(err, provider.ErrNotFound) {
			err = nil
		}
	} else {
		start, end, allDay := a.StartTime, a.EndTime, a.AllDay
		changes := provider.EventChanges{
			Title:    &a.Title,
			Location: &a.Location,
			Start:    &start,
			End:      &end,
			AllDay:   &allDay,
		}
		if a.TimeZone != "" {
			changes.TimeZone = &a.TimeZone
		}
		err = adapter.UpdateEvent(ctx, integ, providerID, changes)
	}
	if err != nil {
		logger.Warn("Local edits are still unsynced, kept the local record", logging.Err(err))
		res.Skipped++
		return
	}

	a.SyncError = dropProviderError(a.SyncError, integ.Provider)
	if a.SyncError == "" {
		a.SyncStatus = models.SyncSynced
	}
	if err := s.store.SaveAppointment(ctx, a); err != nil {
		logger.Warn("Failed to save sync state", logging.Err(err))
		res.Skipped++
		return
	}
	logger.Info("Pushed unsynced local edits")
	res.Pushed++
}

func unsynced(a *models.Appointment) bool {
	return a.SyncStatus == models.SyncPendingPush || a.SyncStatus == models.SyncError
}

// dropProviderError removes the "<provider>: ..." lines from a joined sync error.
func dropProviderError(syncErr string, p models.Provider) string {
	if syncErr == "" {
		return ""
	}
	prefix := string(p) + ": "
	var kept []string
	for _, line := range strings.Split(syncErr, "\n") {
		if !strings.HasPrefix(line, prefix) {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func imported(integ *models.Integration, ev *provider.RemoteEvent) *models.Appointment {
	id := integ.ID
	a := &models.Appointment{
		CompanyID:          integ.CompanyID,
		IntegrationID:      &id,
		Title:              ev.Title,
		Description:        ev.Description,
		Location:           ev.Location,
		StartTime:          ev.Start,
		EndTime:            ev.End,
		TimeZone:           ev.TimeZone,
		AllDay:             ev.AllDay,
		Status:             models.StatusScheduled,
		ConfirmationStatus: models.ConfirmationUnconfirmed,
		VideoLink:          ev.VideoLink,
		SyncStatus:         models.SyncSynced,
	}
	a.SetExternalID(integ.Provider, ev.ProviderID)
	a.SetMeta(MetaSource, string(integ.Provider))
	return a
}

// merge copies remote changes onto a local record and reports whether anything changed.
// Descriptions of locally authored appointments are owned locally, since their remote copy
// carries rendered text.
func merge(a *models.Appointment, ev *provider.RemoteEvent, p models.Provider) bool {
	changed := false
	set := func(dst *string, v string) {
		if *dst != v {
			*dst = v
			changed = true
		}
	}
	set(&a.Title, ev.Title)
	set(&a.Location, ev.Location)
	if src, _ := a.Metadata[MetaSource].(string); src == string(p) {
		set(&a.Description, ev.Description)
	}
	if ev.VideoLink != "" {
		set(&a.VideoLink, ev.VideoLink)
	}
	if ev.TimeZone != "" {
		set(&a.TimeZone, ev.TimeZone)
	}
	if !a.StartTime.Equal(ev.Start) || !a.EndTime.Equal(ev.End) {
		a.StartTime, a.EndTime = ev.Start, ev.End
		changed = true
	}
	if a.AllDay != ev.AllDay {
		a.AllDay = ev.AllDay
		changed = true
	}
	return changed
}

// RunSyncAll syncs every active calendar integration of a company concurrently. One
// integration's failure is reported in its result and does not affect the others.
func (s *Syncer) RunSyncAll(ctx context.Context, companyID string) ([]*Result, error) {
	integrations, err := s.store.ActiveIntegrations(ctx, companyID)
	if err != nil {
		return nil, fmt.Errorf("failed to load integrations: %w", err)
	}

	var targets []*models.Integration
	for i := range integrations {
		adapter, err := s.registry.Get(integrations[i].Provider)
		if err != nil || !adapter.Capabilities().Calendar {
			continue
		}
		targets = append(targets, &integrations[i])
	}

	results := make([]*Result, len(targets))
	var wg sync.WaitGroup
	for i, integ := range targets {
		i, integ := i, integ
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := s.RunSync(ctx, integ)
			if res == nil {
				res = &Result{IntegrationID: integ.ID, Provider: integ.Provider}
				if err != nil {
					res.Error = err.Error()
				}
			}
			results[i] = res
		}()
	}
	wg.Wait()
	return results, nil
}

// RunAll syncs every company that has an active integration.
func (s *Syncer) RunAll(ctx context.Context) error {
	companies, err := s.store.CompaniesWithActiveIntegrations(ctx)
	if err != nil {
		return fmt.Errorf("failed to list companies: %w", err)
	}
	for _, c := range companies {
		if err := ctx.Err(); err != nil {
			return err
		}
		results, err := s.RunSyncAll(ctx, c)
		if err != nil {
			s.logger.Error("Could not sync company", logging.KeyCompany, c, logging.Err(err))
			continue
		}
		failed := 0
		for _, r := range results {
			if r.Error != "" {
				failed++
			}
		}
		s.logger.Info("Company synced", logging.KeyCompany, c, "integrations", len(results), "failed", failed)
	}
	return nil
}
