// Package device derives device fingerprints from User-Agent strings and
// provides the travel-plausibility math used by the security-alert pipeline.
package device

import (
	"math"
	"strings"

	"github.com/mileusna/useragent"
)

// Device types.
const (
	TypeDesktop = "desktop"
	TypeMobile  = "mobile"
	TypeTablet  = "tablet"
	TypeUnknown = "unknown"
)

// Info is the parsed form of a User-Agent string.
type Info struct {
	OS             string `json:"os"`
	OSVersion      string `json:"os_version,omitempty"`
	Browser        string `json:"browser"`
	BrowserVersion string `json:"browser_version,omitempty"`
	DeviceType     string `json:"device_type"`
}

// Parse extracts OS, browser, and device type from a User-Agent string.
func Parse(userAgent string) Info {
	ua := useragent.Parse(userAgent)
	info := Info{
		OS:             ua.OS,
		OSVersion:      ua.OSVersion,
		Browser:        ua.Name,
		BrowserVersion: ua.Version,
		DeviceType:     TypeUnknown,
	}
	switch {
	case ua.Tablet:
		info.DeviceType = TypeTablet
	case ua.Mobile:
		info.DeviceType = TypeMobile
	case ua.Desktop:
		info.DeviceType = TypeDesktop
	}
	return info
}

// Fingerprint renders the info as "os[ version] - browser[ version] - type",
// the display and comparison form stored on sessions and login history.
func (i Info) Fingerprint() string {
	var parts []string
	if i.OS != "" {
		s := i.OS
		if i.OSVersion != "" {
			s += " " + i.OSVersion
		}
		parts = append(parts, s)
	}
	if i.Browser != "" {
		s := i.Browser
		if i.BrowserVersion != "" {
			s += " " + i.BrowserVersion
		}
		parts = append(parts, s)
	}
	parts = append(parts, i.DeviceType)
	return strings.Join(parts, " - ")
}

// Same reports whether two parsed devices are the same device: OS, browser,
// and device type must all match, with empty fields acting as wildcards.
func Same(a, b Info) bool {
	return fieldMatch(a.OS, b.OS) &&
		fieldMatch(a.Browser, b.Browser) &&
		fieldMatch(a.DeviceType, b.DeviceType)
}

func fieldMatch(a, b string) bool {
	if a == "" || b == "" || a == TypeUnknown || b == TypeUnknown {
		return true
	}
	return strings.EqualFold(a, b)
}

const earthRadiusKm = 6371.0

// Haversine returns the great-circle distance in kilometers between two
// points given in decimal degrees.
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*
			math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func toRad(deg float64) float64 {
	return deg * math.Pi / 180
}

// SuspiciousTravel reports whether covering distanceKm in elapsedMinutes is
// implausible: >=500 km in under an hour, or >=2000 km in under three hours.
func SuspiciousTravel(distanceKm, elapsedMinutes float64) bool {
	if distanceKm >= 500 && elapsedMinutes < 60 {
		return true
	}
	if distanceKm >= 2000 && elapsedMinutes < 180 {
		return true
	}
	return false
}
