// Package availability computes busy and bookable time for a company across the local
// store and every connected provider.
package availability

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"schedsync/internal/logging"
	"schedsync/internal/models"
	"schedsync/internal/provider"
	"schedsync/internal/slots"
)

// DefaultProviderTimeout bounds each provider's contribution to one aggregation.
const DefaultProviderTimeout = 15 * time.Second

// BusyStore is the slice of the repository the aggregator reads.
type BusyStore interface {
	ListBusyAppointments(ctx context.Context, companyID string, from, to time.Time) ([]models.Appointment, error)
	ActiveIntegrations(ctx context.Context, companyID string) ([]models.Integration, error)
}

// BusyCache caches provider busy intervals per integration and range.
type BusyCache interface {
	Get(ctx context.Context, integrationID string, from, to time.Time) ([]models.TimeSlot, bool)
	Set(ctx context.Context, integrationID string, from, to time.Time, slots []models.TimeSlot)
}

// Aggregator merges local and provider busy intervals.
type Aggregator struct {
	store    BusyStore
	registry *provider.Registry
	cache    BusyCache
	timeout  time.Duration
	logger   *slog.Logger
}

func NewAggregator(store BusyStore, registry *provider.Registry, logger *slog.Logger) *Aggregator {
	return &Aggregator{
		store:    store,
		registry: registry,
		timeout:  DefaultProviderTimeout,
		logger:   logging.OrDiscard(logger),
	}
}

// SetCache enables caching of provider results for GetBusySlots.
func (a *Aggregator) SetCache(c BusyCache) {
	a.cache = c
}

// SetTimeout changes the per-provider timeout. Non-positive values are ignored.
func (a *Aggregator) SetTimeout(d time.Duration) {
	if d > 0 {
		a.timeout = d
	}
}

// GetBusySlots returns the deduplicated busy intervals overlapping [from, to), sorted by start.
// A failing provider contributes nothing; only a local store failure is returned.
func (a *Aggregator) GetBusySlots(ctx context.Context, companyID string, from, to time.Time) ([]models.TimeSlot, error) {
	return a.collect(ctx, companyID, from, to, true, "")
}

// LiveBusySlots is GetBusySlots without the cache. excludeAppointmentID, when set, removes that
// appointment and any provider interval with exactly its bounds (its own remote copies).
func (a *Aggregator) LiveBusySlots(ctx context.Context, companyID string, from, to time.Time, excludeAppointmentID string) ([]models.TimeSlot, error) {
	return a.collect(ctx, companyID, from, to, false, excludeAppointmentID)
}

func (a *Aggregator) collect(ctx context.Context, companyID string, from, to time.Time, useCache bool, excludeID string) ([]models.TimeSlot, error) {
	logger := a.logger.With(logging.KeyOperation, "get_busy_slots", logging.KeyCompany, companyID)

	local, err := a.store.ListBusyAppointments(ctx, companyID, from, to)
	if err != nil {
		return nil, err
	}
	var busy []models.TimeSlot
	var excluded *models.TimeSlot
	for i := range local {
		if local[i].ID == excludeID {
			s := local[i].Slot().UTC()
			excluded = &s
			continue
		}
		busy = append(busy, local[i].Slot())
	}

	integrations, err := a.store.ActiveIntegrations(ctx, companyID)
	if err != nil {
		logger.Warn("Failed to load integrations, using local busy time only", logging.Err(err))
		integrations = nil
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for i := range integrations {
		integ := &integrations[i]
		p, err := a.registry.Get(integ.Provider)
		if err != nil {
			logger.Debug("Skipping integration without adapter", logging.KeyIntegration, integ.ID, logging.KeyProvider, integ.Provider)
			continue
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			remote, err := a.providerBusy(ctx, p, integ, from, to, useCache)
			if err != nil {
				logger.Warn("Provider busy lookup failed, ignoring its contribution",
					logging.KeyIntegration, integ.ID, logging.KeyProvider, integ.Provider, logging.Err(err))
				return
			}
			mu.Lock()
			busy = append(busy, remote...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	out := slots.Dedupe(busy)
	if excluded != nil {
		kept := out[:0]
		for _, s := range out {
			if s.Start.Equal(excluded.Start) && s.End.Equal(excluded.End) {
				continue
			}
			kept = append(kept, s)
		}
		out = kept
	}
	return out, nil
}

func (a *Aggregator) providerBusy(ctx context.Context, p provider.Provider, integ *models.Integration, from, to time.Time, useCache bool) ([]models.TimeSlot, error) {
	if useCache && a.cache != nil {
		if cached, ok := a.cache.Get(ctx, integ.ID, from, to); ok {
			return cached, nil
		}
	}
	callCtx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	remote, err := p.ListBusy(callCtx, integ, from, to)
	if err != nil {
		return nil, err
	}
	if a.cache != nil {
		a.cache.Set(ctx, integ.ID, from, to, remote)
	}
	return remote, nil
}
