package main

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"strconv"
	"sync"
	"time"
)

// city is a base location readings are scattered around.
type city struct {
	name     string
	lat, lon float64
	spread   float64
}

var cities = []city{
	// Jabodetabek
	{"Jakarta Pusat", -6.200, 106.816, 0.02},
	{"Jakarta Selatan", -6.261, 106.810, 0.02},
	{"Jakarta Utara", -6.138, 106.863, 0.02},
	{"Tangerang", -6.178, 106.630, 0.015},
	{"Bekasi", -6.238, 107.001, 0.015},
	{"Depok", -6.402, 106.794, 0.012},
	{"Bogor", -6.595, 106.799, 0.015},
	// West Java
	{"Bandung", -6.914, 107.609, 0.025},
	{"Cirebon", -6.732, 108.552, 0.012},
	{"Tasikmalaya", -7.327, 108.220, 0.010},
	// Central Java
	{"Semarang", -6.993, 110.420, 0.020},
	{"Solo", -7.556, 110.831, 0.015},
	{"Yogyakarta", -7.797, 110.370, 0.018},
	{"Purwokerto", -7.427, 109.234, 0.010},
	// East Java
	{"Surabaya", -7.250, 112.750, 0.025},
	{"Malang", -7.966, 112.633, 0.018},
	{"Kediri", -7.816, 112.017, 0.010},
	// Bali and Nusa Tenggara
	{"Denpasar", -8.670, 115.212, 0.020},
	{"Mataram", -8.583, 116.116, 0.012},
	// Sumatra
	{"Medan", 3.595, 98.672, 0.022},
	{"Palembang", -2.990, 104.756, 0.018},
	{"Padang", -0.947, 100.417, 0.015},
	{"Pekanbaru", 0.533, 101.447, 0.015},
	{"Lampung", -5.429, 105.262, 0.012},
	// Kalimantan
	{"Banjarmasin", -3.316, 114.590, 0.015},
	{"Pontianak", -0.026, 109.342, 0.013},
	{"Balikpapan", -1.267, 116.828, 0.013},
	// Sulawesi
	{"Makassar", -5.147, 119.432, 0.020},
	{"Manado", 1.474, 124.842, 0.015},
	// Papua and Maluku
	{"Jayapura", -2.533, 140.717, 0.012},
	{"Ambon", -3.695, 128.181, 0.010},
}

// sample is the ingest body the simulator sends. Coordinates go out as
// fixed-precision strings, as field devices send them.
type sample struct {
	SensorID     string   `json:"sensorId"`
	LocationName string   `json:"locationName"`
	Temperature  float64  `json:"temperature"`
	Humidity     float64  `json:"humidity"`
	Location     location `json:"location"`
	Timestamp    string   `json:"timestamp"`
}

type location struct {
	Lat string `json:"lat"`
	Lon string `json:"lon"`
}

// simulator generates readings from a fixed sensor network.
type simulator struct {
	mu     sync.Mutex
	rng    *rand.Rand
	nextID int
	now    func() time.Time
}

func newSimulator(seed uint64, startID int) *simulator {
	return &simulator{
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		nextID: startID,
		now:    time.Now,
	}
}

// round2 rounds to two decimals.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func (s *simulator) uniform(lo, hi float64) float64 {
	return s.rng.Float64()*(hi-lo) + lo
}

// next returns the next reading.
func (s *simulator) next() sample {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := cities[s.rng.IntN(len(cities))]
	lat := c.lat + (s.rng.Float64()-0.5)*c.spread
	lon := c.lon + (s.rng.Float64()-0.5)*c.spread

	out := sample{
		SensorID:     fmt.Sprintf("TWIN-%06d", s.nextID),
		LocationName: c.name,
		Temperature:  round2(s.uniform(20, 35)),
		Humidity:     round2(s.uniform(40, 90)),
		Location: location{
			Lat: strconv.FormatFloat(lat, 'f', 6, 64),
			Lon: strconv.FormatFloat(lon, 'f', 6, 64),
		},
		Timestamp: s.now().UTC().Format("2006-01-02T15:04:05.000Z"),
	}
	s.nextID++
	return out
}

// run sends one reading immediately and then one per interval until ctx
// ends or count readings have been sent (count <= 0 means no limit). Send
// failures are logged and do not stop the loop.
func (s *simulator) run(ctx context.Context, interval time.Duration, count int, send func(context.Context, sample) error, logger *slog.Logger) int {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	sent := 0
	for {
		smp := s.next()
		if err := send(ctx, smp); err != nil {
			logger.Warn("send failed", "sensor", smp.SensorID, "error", err)
		} else {
			logger.Info("reading sent", "sensor", smp.SensorID, "location", smp.LocationName,
				"temperature", smp.Temperature, "humidity", smp.Humidity)
		}
		sent++
		if count > 0 && sent >= count {
			return sent
		}

		select {
		case <-ctx.Done():
			return sent
		case <-ticker.C:
		}
	}
}
