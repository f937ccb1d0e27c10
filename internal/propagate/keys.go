package propagate

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrUnknownKey is returned for view keys the propagator cannot refresh.
var ErrUnknownKey = errors.New("unknown view key")

// Kind is the family a view key belongs to.
type Kind string

const (
	KindClaims   Kind = "claims"
	KindListings Kind = "listings"
	KindGeo      Kind = "geo"
	KindBooking  Kind = "booking"
)

const geoPrefix = "listings:geo:"

// ClaimsKey names a claimant's claims list.
func ClaimsKey(claimantID string) string {
	return "claims:" + claimantID
}

// ListingsKey names the global resource listings.
func ListingsKey() string {
	return "listings"
}

// GeoKey names the listings within radiusKm of a point.
func GeoKey(lat, lng, radiusKm float64) string {
	return fmt.Sprintf("%s%.5f,%.5f,%g", geoPrefix, lat, lng, radiusKm)
}

// BookingKey names the approved claims of a resource.
func BookingKey(resourceID string) string {
	return "booking:" + resourceID
}

// Key is a parsed view key.
type Key struct {
	Raw  string
	Kind Kind

	// ID is the claimant ID for claims keys and the resource ID for
	// booking keys.
	ID string

	Lat, Lng, RadiusKm float64
}

// ParseKey splits a view key into its parts.
func ParseKey(raw string) (Key, error) {
	k := Key{Raw: raw}

	switch {
	case raw == "listings":
		k.Kind = KindListings
	case strings.HasPrefix(raw, geoPrefix):
		parts := strings.Split(strings.TrimPrefix(raw, geoPrefix), ",")
		if len(parts) != 3 {
			return Key{}, fmt.Errorf("%w: %q", ErrUnknownKey, raw)
		}
		var vals [3]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return Key{}, fmt.Errorf("%w: %q: %v", ErrUnknownKey, raw, err)
			}
			vals[i] = v
		}
		k.Kind = KindGeo
		k.Lat, k.Lng, k.RadiusKm = vals[0], vals[1], vals[2]
	case strings.HasPrefix(raw, "claims:") && len(raw) > len("claims:"):
		k.Kind = KindClaims
		k.ID = strings.TrimPrefix(raw, "claims:")
	case strings.HasPrefix(raw, "booking:") && len(raw) > len("booking:"):
		k.Kind = KindBooking
		k.ID = strings.TrimPrefix(raw, "booking:")
	default:
		return Key{}, fmt.Errorf("%w: %q", ErrUnknownKey, raw)
	}
	return k, nil
}

// safetyCritical reports whether stale reads of the view can cause a double
// booking. Such views poll on the short interval and never degrade.
func (k Key) safetyCritical() bool {
	return k.Kind == KindBooking
}
