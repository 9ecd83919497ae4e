package appointments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"schedsync/internal/logging"
	"schedsync/internal/models"
	"schedsync/internal/provider"
)

// push creates the provider copies of a new appointment.
//
// When a video link is requested, the provider that generates it goes first: a dedicated
// meeting service creates its meeting before any calendar push, otherwise the calendar that
// natively produces the link type is pushed first and re-read for the link. The remaining
// calendars never request conferencing and carry the link as text in their description.
func (m *Manager) push(ctx context.Context, logger *slog.Logger, a *models.Appointment) {
	integrations := m.integrations(ctx, logger, a.CompanyID)
	generator := m.linkGenerator(a)
	var errs []error

	if generator != "" {
		if err := m.pushOne(ctx, logger, a, generator, integrations, true); err != nil {
			errs = append(errs, err)
		}
	}

	for _, p := range models.AllProviders {
		if p == generator {
			continue
		}
		integ, ok := integrations[p]
		if !ok {
			continue
		}
		adapter, err := m.registry.Get(p)
		if err != nil {
			logger.Debug("Skipping integration without adapter", logging.KeyIntegration, integ.ID, logging.KeyProvider, p)
			continue
		}
		if !adapter.Capabilities().Calendar {
			continue
		}
		if err := m.pushOne(ctx, logger, a, p, integrations, false); err != nil {
			errs = append(errs, err)
		}
	}

	m.setSyncResult(a, errs)
}

func (m *Manager) pushOne(ctx context.Context, logger *slog.Logger, a *models.Appointment, p models.Provider, integrations map[models.Provider]*models.Integration, generatesLink bool) error {
	adapter, integ, err := m.target(p, integrations)
	if err != nil {
		logger.Warn("Cannot push appointment", logging.KeyProvider, p, logging.Err(err))
		return fmt.Errorf("%s: %w", p, err)
	}
	logger = logger.With(logging.KeyProvider, p, logging.KeyIntegration, integ.ID)

	in := provider.EventInput{
		Title:        a.Title,
		Description:  render(a, !generatesLink),
		Location:     a.Location,
		Start:        a.StartTime,
		End:          a.EndTime,
		TimeZone:     a.TimeZone,
		AllDay:       a.AllDay,
		RequestVideo: generatesLink,
		ReferenceID:  a.ID,
	}
	created, err := adapter.CreateEvent(ctx, integ, in)
	m.invalidate(ctx, integ)
	if err != nil {
		logger.Warn("Failed to push appointment", logging.Err(err))
		return fmt.Errorf("%s: %w", p, err)
	}
	a.SetExternalID(p, created.ProviderID)
	if a.IntegrationID == nil && adapter.Capabilities().Calendar {
		id := integ.ID
		a.IntegrationID = &id
	}

	if generatesLink {
		link := created.VideoLink
		if reader, ok := adapter.(provider.LinkReader); ok && link == "" {
			if link, err = reader.GetVideoLink(ctx, integ, created.ProviderID); err != nil {
				logger.Warn("Failed to read generated video link", logging.KeyProviderEvent, created.ProviderID, logging.Err(err))
			}
		}
		if link == "" {
			logger.Warn("Provider did not return a video link", logging.KeyProviderEvent, created.ProviderID)
		}
		a.VideoLink = link
	}
	logger.Info("Appointment pushed", logging.KeyProviderEvent, created.ProviderID)
	return nil
}

// linkGenerator returns the provider that produces the appointment's video link, or "".
func (m *Manager) linkGenerator(a *models.Appointment) models.Provider {
	if a.VideoProvider == models.VideoNone {
		return ""
	}
	p, ok := m.registry.NativeFor(a.VideoProvider)
	if !ok {
		return ""
	}
	return p.Name()
}

// render builds the description sent to a provider. withLink embeds the video link as text.
func render(a *models.Appointment, withLink bool) string {
	var b strings.Builder
	b.WriteString(a.Description)
	if withLink && a.VideoLink != "" {
		writeBlock(&b, "Join video call: "+a.VideoLink)
	}
	if a.Status != models.StatusScheduled && a.Status != "" {
		writeBlock(&b, "Status: "+statusLabel(a.Status))
	}
	return b.String()
}

func writeBlock(b *strings.Builder, s string) {
	if b.Len() > 0 {
		b.WriteString("\n\n")
	}
	b.WriteString(s)
}

func statusLabel(s models.AppointmentStatus) string {
	return strings.ReplaceAll(string(s), "_", " ")
}

// IsConflict reports whether err is a booking conflict and returns its intervals.
func IsConflict(err error) ([]models.TimeSlot, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce.Conflicts, true
	}
	return nil, false
}
