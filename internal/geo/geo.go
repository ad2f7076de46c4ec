// Package geo provides the location collaborator used to annotate session
// starts. Location capture is optional; an unavailable fix is not an error.
package geo

import (
	"context"
	"fmt"
	"math"
)

// Location is a single position fix.
type Location struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	Accuracy float64 `json:"accuracy_m"`
}

// String returns a compact human-readable form.
func (l Location) String() string {
	return fmt.Sprintf("%.6f,%.6f ±%.0fm", l.Lat, l.Lon, l.Accuracy)
}

// Valid reports whether the coordinates are within range.
func (l Location) Valid() bool {
	if math.IsNaN(l.Lat) || math.IsNaN(l.Lon) {
		return false
	}
	return l.Lat >= -90 && l.Lat <= 90 && l.Lon >= -180 && l.Lon <= 180 && l.Accuracy >= 0
}

// Locator returns the current location, or false when none is available.
type Locator interface {
	CurrentLocation(ctx context.Context) (Location, bool)
}

// None never has a fix.
type None struct{}

func (None) CurrentLocation(context.Context) (Location, bool) { return Location{}, false }

// Fixed always reports the same location, typically taken from configuration.
type Fixed Location

func (f Fixed) CurrentLocation(ctx context.Context) (Location, bool) {
	if ctx.Err() != nil {
		return Location{}, false
	}
	loc := Location(f)
	if !loc.Valid() {
		return Location{}, false
	}
	return loc, true
}
