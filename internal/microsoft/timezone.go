package microsoft

import "time"

// Graph reports zones with Windows names unless the Prefer header overrides them.
var windowsToIANA = map[string]string{
	"Pacific Standard Time":          "America/Los_Angeles",
	"Mountain Standard Time":         "America/Denver",
	"US Mountain Standard Time":      "America/Phoenix",
	"Central Standard Time":          "America/Chicago",
	"Eastern Standard Time":          "America/New_York",
	"Atlantic Standard Time":         "America/Halifax",
	"Alaskan Standard Time":          "America/Anchorage",
	"Hawaiian Standard Time":         "Pacific/Honolulu",
	"SA Pacific Standard Time":       "America/Bogota",
	"E. South America Standard Time": "America/Sao_Paulo",
	"GMT Standard Time":              "Europe/London",
	"W. Europe Standard Time":        "Europe/Berlin",
	"Romance Standard Time":          "Europe/Paris",
	"Central Europe Standard Time":   "Europe/Budapest",
	"China Standard Time":            "Asia/Shanghai",
	"Tokyo Standard Time":            "Asia/Tokyo",
	"India Standard Time":            "Asia/Kolkata",
	"AUS Eastern Standard Time":      "Australia/Sydney",
}

// ianaName maps a Windows zone name to its IANA equivalent, passing other names through.
func ianaName(name string) string {
	if iana, ok := windowsToIANA[name]; ok {
		return iana
	}
	return name
}

// location resolves a Graph zone name, defaulting to UTC.
func location(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}
	if loc, err := time.LoadLocation(ianaName(name)); err == nil {
		return loc
	}
	return time.UTC
}
