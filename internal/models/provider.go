package models

// Provider identifies an external calendar or meeting service.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
	ProviderZoom      Provider = "zoom"
	ProviderApple     Provider = "apple"
)

// AllProviders lists the supported providers in push order.
var AllProviders = []Provider{ProviderGoogle, ProviderMicrosoft, ProviderApple, ProviderZoom}

// VideoProvider is the conferencing service an appointment asks for.
type VideoProvider string

const (
	VideoNone       VideoProvider = ""
	VideoGoogleMeet VideoProvider = "google_meet"
	VideoTeams      VideoProvider = "microsoft_teams"
	VideoZoom       VideoProvider = "zoom"
)

// Valid reports whether v is a known video provider (or none).
func (v VideoProvider) Valid() bool {
	switch v {
	case VideoNone, VideoGoogleMeet, VideoTeams, VideoZoom:
		return true
	}
	return false
}
