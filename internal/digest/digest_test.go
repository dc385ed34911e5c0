package digest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/twinlogy/internal/telemetry"
)

func samplePayload() telemetry.Payload {
	return telemetry.Payload{
		SensorID:     "TWIN-001000",
		LocationName: "Bandung",
		Temperature:  24.5,
		Humidity:     80,
		Location:     telemetry.NewLocation(-6.914, 107.609),
		Timestamp:    "2025-01-01T08:00:00.000Z",
	}
}

func TestCanonicalSortsKeys(t *testing.T) {
	out, err := Canonical(samplePayload())
	require.NoError(t, err)
	assert.Equal(t,
		`{"humidity":80,"location":{"lat":-6.914,"lon":107.609},"locationName":"Bandung","sensorId":"TWIN-001000","temperature":24.5,"timestamp":"2025-01-01T08:00:00.000Z"}`,
		string(out))
}

func TestSumDeterministic(t *testing.T) {
	for _, h := range []Hasher{SHA256(), BLAKE3()} {
		t.Run(h.Algorithm(), func(t *testing.T) {
			a, err := h.Sum(samplePayload())
			require.NoError(t, err)
			b, err := h.Sum(samplePayload())
			require.NoError(t, err)

			assert.Equal(t, a, b)
			assert.Len(t, a, 64)
		})
	}
}

func TestSumIgnoresFieldOrder(t *testing.T) {
	// Same values arriving in different key orders decode to the same payload.
	orders := []string{
		`{"sensorId":"s1","temperature":21,"humidity":40,"location":{"lat":1,"lon":2},"timestamp":"2025-01-01"}`,
		`{"timestamp":"2025-01-01","location":{"lon":2,"lat":1},"humidity":40,"temperature":21,"sensorId":"s1"}`,
	}
	var sums []string
	for _, body := range orders {
		var p telemetry.Payload
		require.NoError(t, json.Unmarshal([]byte(body), &p))
		s, err := SHA256().Sum(p)
		require.NoError(t, err)
		sums = append(sums, s)
	}
	assert.Equal(t, sums[0], sums[1])
}

func TestSumChangesWithValues(t *testing.T) {
	p := samplePayload()
	a, err := SHA256().Sum(p)
	require.NoError(t, err)

	p.Temperature = 24.6
	b, err := SHA256().Sum(p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestAlgorithmsDiffer(t *testing.T) {
	a, err := SHA256().Sum(samplePayload())
	require.NoError(t, err)
	b, err := BLAKE3().Sum(samplePayload())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestNew(t *testing.T) {
	h, err := New("")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmSHA256, h.Algorithm())

	h, err = New("blake3")
	require.NoError(t, err)
	assert.Equal(t, AlgorithmBLAKE3, h.Algorithm())

	_, err = New("md5")
	assert.Error(t, err)
}
