package query

import (
	"math"
	"net/url"
	"time"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

// EarthRadiusKm is the mean Earth radius used for great-circle distances.
const EarthRadiusKm = 6371.0

// Radius selects records within RadiusKm of a centre point.
type Radius struct {
	CenterLat float64
	CenterLon float64
	RadiusKm  float64
}

// Filter is a set of optional, conjunctive predicates. Nil fields are
// unbounded.
type Filter struct {
	From        *time.Time
	To          *time.Time
	MinTemp     *float64
	MaxTemp     *float64
	MinHumidity *float64
	MaxHumidity *float64
	Radius      *Radius
}

// ParseFilter reads filter parameters from a query string. Unparsable
// values are dropped silently.
func ParseFilter(v url.Values) Filter {
	f := Filter{
		From:        timeParam(v, "from"),
		To:          timeParam(v, "to"),
		MinTemp:     numberParam(v, "minTemp"),
		MaxTemp:     numberParam(v, "maxTemp"),
		MinHumidity: numberParam(v, "minHumidity"),
		MaxHumidity: numberParam(v, "maxHumidity"),
	}

	lat := numberParam(v, "centerLat")
	lon := numberParam(v, "centerLon")
	radius := numberParam(v, "radius")
	if lat != nil && lon != nil && radius != nil {
		f.Radius = &Radius{CenterLat: *lat, CenterLon: *lon, RadiusKm: *radius}
	}
	return f
}

func numberParam(v url.Values, key string) *float64 {
	n, ok := telemetry.ParseNumber(v.Get(key))
	if !ok {
		return nil
	}
	return &n
}

func timeParam(v url.Values, key string) *time.Time {
	t, ok := telemetry.ParseTimestamp(v.Get(key))
	if !ok {
		return nil
	}
	return &t
}

// Match reports whether r satisfies every predicate.
func (f Filter) Match(r telemetry.Record) bool {
	if f.From != nil || f.To != nil {
		ts, ok := r.EventTime()
		if !ok {
			return false
		}
		if f.From != nil && ts.Before(*f.From) {
			return false
		}
		if f.To != nil && ts.After(*f.To) {
			return false
		}
	}

	if f.MinTemp != nil && r.Temperature < *f.MinTemp {
		return false
	}
	if f.MaxTemp != nil && r.Temperature > *f.MaxTemp {
		return false
	}
	if f.MinHumidity != nil && r.Humidity < *f.MinHumidity {
		return false
	}
	if f.MaxHumidity != nil && r.Humidity > *f.MaxHumidity {
		return false
	}

	if f.Radius != nil {
		lat, lon, ok := r.Location.Point()
		if !ok {
			return false
		}
		if HaversineKm(f.Radius.CenterLat, f.Radius.CenterLon, lat, lon) > f.Radius.RadiusKm {
			return false
		}
	}
	return true
}

// Apply returns the matching records, preserving order.
func (f Filter) Apply(records []telemetry.Record) []telemetry.Record {
	out := make([]telemetry.Record, 0, len(records))
	for _, r := range records {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}

// HaversineKm returns the great-circle distance between two points in
// kilometres.
func HaversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	toRad := func(d float64) float64 { return d * math.Pi / 180 }

	dLat := toRad(lat2 - lat1)
	dLon := toRad(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRad(lat1))*math.Cos(toRad(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusKm * c
}
