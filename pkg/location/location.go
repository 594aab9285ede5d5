// Package location picks the simulated place a device reports from.
package location

import (
	"bytes"
	_ "embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

//go:embed cities.csv
var bundled []byte

// Location is an immutable named point.
type Location struct {
	City      string
	Latitude  float64
	Longitude float64
}

// Fallback is used when no city list can be loaded.
var Fallback = Location{City: "default-city"}

// Parse reads "city,lat,lon" records. Malformed records are skipped.
func Parse(r io.Reader) ([]Location, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	var out []Location
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		var perr *csv.ParseError
		if errors.As(err, &perr) {
			continue
		}
		if err != nil {
			return out, err
		}
		if loc, ok := parseRecord(rec); ok {
			out = append(out, loc)
		}
	}
}

func parseRecord(rec []string) (Location, bool) {
	if len(rec) < 3 {
		return Location{}, false
	}
	city := strings.TrimSpace(rec[0])
	lat, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64)
	if err != nil || lat < -90 || lat > 90 {
		return Location{}, false
	}
	lon, err := strconv.ParseFloat(strings.TrimSpace(rec[2]), 64)
	if err != nil || lon < -180 || lon > 180 {
		return Location{}, false
	}
	if city == "" {
		return Location{}, false
	}
	return Location{City: city, Latitude: lat, Longitude: lon}, true
}

// Load reads the city list at path, or the bundled list when path is empty.
func Load(path string) ([]Location, error) {
	if path == "" {
		return Parse(bytes.NewReader(bundled))
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open city list: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Choose picks one location uniformly using intn, or Fallback for an empty list.
func Choose(list []Location, intn func(n int) int) Location {
	if len(list) == 0 {
		return Fallback
	}
	return list[intn(len(list))]
}

// Select loads the city list and picks one at random, falling back to
// Fallback when the list is unreadable or empty.
func Select(path string, log *zap.Logger) Location {
	list, err := Load(path)
	if err != nil {
		log.Warn("city list not available, using fallback location", zap.String("path", path), zap.Error(err))
		return Fallback
	}
	log.Info("loaded cities", zap.Int("count", len(list)))

	loc := Choose(list, rand.Intn)
	log.Info("selected city",
		zap.String("city", loc.City),
		zap.Float64("lat", loc.Latitude),
		zap.Float64("lon", loc.Longitude),
	)
	return loc
}
