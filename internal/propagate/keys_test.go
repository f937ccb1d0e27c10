package propagate

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestParseKey(t *testing.T) {
	tests := []struct {
		raw  string
		kind Kind
		id   string
	}{
		{ClaimsKey("alice"), KindClaims, "alice"},
		{BookingKey("r-1"), KindBooking, "r-1"},
		{ListingsKey(), KindListings, ""},
		{GeoKey(52.52, 13.405, 2.5), KindGeo, ""},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			k, err := ParseKey(tt.raw)
			require.NoError(t, err)
			assert.Equal(t, tt.kind, k.Kind)
			assert.Equal(t, tt.id, k.ID)
		})
	}

	k, err := ParseKey(GeoKey(52.52, 13.405, 2.5))
	require.NoError(t, err)
	assert.InDelta(t, 52.52, k.Lat, 1e-9)
	assert.InDelta(t, 13.405, k.Lng, 1e-9)
	assert.InDelta(t, 2.5, k.RadiusKm, 1e-9)

	for _, bad := range []string{"", "claims:", "booking:", "listings:geo:1,2", "listings:geo:a,b,c", "other"} {
		_, err := ParseKey(bad)
		assert.ErrorIs(t, err, ErrUnknownKey, bad)
	}
}

func TestDistanceKm(t *testing.T) {
	// Berlin to Munich is roughly 504 km.
	assert.InDelta(t, 504, DistanceKm(52.52, 13.405, 48.1351, 11.582), 5)
	assert.InDelta(t, 0, DistanceKm(1, 1, 1, 1), 1e-9)
}
