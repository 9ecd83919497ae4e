// Package provider defines the contract every external calendar or meeting adapter implements.
package provider

import (
	"context"
	"errors"
	"time"

	"schedsync/internal/models"
)

var (
	// ErrReauthRequired means the integration's credentials are unusable and it has been deactivated.
	ErrReauthRequired = errors.New("reauthorization required")
	// ErrCursorExpired means the provider rejected a continuation token.
	ErrCursorExpired = errors.New("continuation token expired")
	// ErrNotFound means the remote event or calendar does not exist.
	ErrNotFound = errors.New("not found on provider")
	// ErrNotSupported means the adapter does not offer the operation.
	ErrNotSupported = errors.New("operation not supported by provider")
)

// DefaultSyncWindow bounds a full (token-less) change listing.
const DefaultSyncWindow = 90 * 24 * time.Hour

// Capabilities describes what an adapter can do.
type Capabilities struct {
	// Calendar is true for calendars that hold appointment copies and take part in sync.
	Calendar bool
	// VideoProvider is the conferencing link type the provider generates natively.
	VideoProvider models.VideoProvider
	// DedicatedMeetings is true for meeting services unrelated to any calendar.
	DedicatedMeetings bool
}

// EventInput is the canonical shape pushed to a provider on create.
type EventInput struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	AllDay      bool
	// RequestVideo asks the provider to generate its native conferencing link. It is only
	// set when the appointment selected this provider's link type.
	RequestVideo bool
	// ReferenceID is a stable id used for idempotent creation where supported.
	ReferenceID string
}

// Created is the result of creating a remote event.
type Created struct {
	ProviderID string
	HTMLLink   string
	VideoLink  string
}

// EventChanges is a partial update; nil fields are left untouched.
type EventChanges struct {
	Title       *string
	Description *string
	Location    *string
	Start       *time.Time
	End         *time.Time
	TimeZone    *string
	// AllDay says whether Start and End are dates or instants. Callers set it together
	// with Start or End; adapters that can read the stored form fall back to it when nil.
	AllDay *bool
}

// IsEmpty reports whether nothing would change.
func (c EventChanges) IsEmpty() bool {
	return c.Title == nil && c.Description == nil && c.Location == nil &&
		c.Start == nil && c.End == nil && c.TimeZone == nil && c.AllDay == nil
}

// RemoteEvent is a provider event translated to canonical fields.
type RemoteEvent struct {
	ProviderID  string
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	TimeZone    string
	AllDay      bool
	Cancelled   bool
	VideoLink   string
	ICalUID     string
}

// ChangeQuery selects one page of changes. With SyncToken empty the adapter lists
// [TimeMin, TimeMax); otherwise it resumes from the token.
type ChangeQuery struct {
	SyncToken string
	PageToken string
	TimeMin   time.Time
	TimeMax   time.Time
}

// ChangeSet is one page of changes.
type ChangeSet struct {
	Events        []RemoteEvent
	NextPageToken string
	NextSyncToken string
	// Reset is set when an expired token forced a fallback to a full listing.
	Reset bool
}

// HasMore reports whether another page follows.
func (c *ChangeSet) HasMore() bool {
	return c.NextPageToken != ""
}

// Provider is implemented once per external service.
type Provider interface {
	Name() models.Provider
	Capabilities() Capabilities

	// EnsureFreshToken returns a usable access token, refreshing it when it expires
	// within the safety buffer. A failed refresh deactivates the integration and
	// returns ErrReauthRequired.
	EnsureFreshToken(ctx context.Context, integ *models.Integration) (string, error)

	// ListBusy returns non-cancelled occupied intervals overlapping [from, to) in UTC.
	ListBusy(ctx context.Context, integ *models.Integration, from, to time.Time) ([]models.TimeSlot, error)

	// ListChanges returns one page of changes. An expired SyncToken triggers one
	// automatic fallback to a full time-range listing.
	ListChanges(ctx context.Context, integ *models.Integration, q ChangeQuery) (*ChangeSet, error)

	// CreateEvent pushes a new event. A configured calendar that is not found is retried
	// once against the provider's default calendar.
	CreateEvent(ctx context.Context, integ *models.Integration, in EventInput) (*Created, error)

	// UpdateEvent applies a partial update.
	UpdateEvent(ctx context.Context, integ *models.Integration, providerID string, changes EventChanges) error

	// DeleteEvent removes the remote event. An already-absent event is not an error.
	DeleteEvent(ctx context.Context, integ *models.Integration, providerID string) error
}

// LinkReader is implemented by adapters that can re-read an event to capture a
// conferencing link generated after creation.
type LinkReader interface {
	GetVideoLink(ctx context.Context, integ *models.Integration, providerID string) (string, error)
}

// WithCursorFallback runs list and, when it fails with ErrCursorExpired, runs it once more
// as a full listing with the tokens cleared.
func WithCursorFallback(q ChangeQuery, list func(ChangeQuery) (*ChangeSet, error)) (*ChangeSet, error) {
	cs, err := list(q)
	if err == nil || !errors.Is(err, ErrCursorExpired) || q.SyncToken == "" {
		return cs, err
	}
	q.SyncToken = ""
	q.PageToken = ""
	cs, err = list(q)
	if err != nil {
		return nil, err
	}
	cs.Reset = true
	return cs, nil
}

// FullWindow returns q with a default time range filled in when it has none.
func FullWindow(q ChangeQuery, now time.Time) ChangeQuery {
	if q.TimeMin.IsZero() {
		q.TimeMin = now
	}
	if q.TimeMax.IsZero() {
		q.TimeMax = q.TimeMin.Add(DefaultSyncWindow)
	}
	return q
}
