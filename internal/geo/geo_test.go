package geo

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saviobatista/fieldtrack/internal/types"
)

func TestHaversineMeters(t *testing.T) {
	tests := []struct {
		name                   string
		lat1, lon1, lat2, lon2 float64
		want                   float64
		delta                  float64
	}{
		{"same point", 10, 20, 10, 20, 0, 1e-9},
		{"one degree of latitude", 0, 0, 1, 0, 111194.93, 0.5},
		{"one degree of longitude at equator", 0, 0, 0, 1, 111194.93, 0.5},
		{"Sao Paulo to Rio de Janeiro", -23.5505, -46.6333, -22.9068, -43.1729, 360750, 1500},
		{"across the antimeridian", 0, 179.5, 0, -179.5, 111194.93, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := HaversineMeters(tt.lat1, tt.lon1, tt.lat2, tt.lon2)
			assert.InDelta(t, tt.want, got, tt.delta)
		})
	}
}

func TestHaversineMeters_Symmetric(t *testing.T) {
	a := HaversineMeters(51.5, -0.12, 48.85, 2.35)
	b := HaversineMeters(48.85, 2.35, 51.5, -0.12)
	assert.InDelta(t, a, b, 1e-6)
}

func TestSpeedKph(t *testing.T) {
	assert.InDelta(t, 36.0, SpeedKph(100, 10), 1e-9)
	assert.Equal(t, 0.0, SpeedKph(100, 0))
	assert.Equal(t, 0.0, SpeedKph(100, -1))
}

func TestMarshalTrace(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	segments := []types.TraceSegment{{
		SubjectID: "subject-1",
		Type:      types.SegmentWalking,
		Points: []types.TracePoint{
			{Latitude: 1, Longitude: 2, Timestamp: start},
			{Latitude: 1.001, Longitude: 2.001, Timestamp: start.Add(time.Minute)},
		},
		StartTime:           start,
		EndTime:             start.Add(time.Minute),
		TotalDistanceMeters: 157.2,
		AverageSpeedKph:     9.4,
	}}

	data, err := MarshalTrace(segments)
	require.NoError(t, err)

	var decoded struct {
		Type     string `json:"type"`
		Features []struct {
			Geometry struct {
				Type        string      `json:"type"`
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
			Properties map[string]interface{} `json:"properties"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))

	assert.Equal(t, "FeatureCollection", decoded.Type)
	require.Len(t, decoded.Features, 1)
	f := decoded.Features[0]
	assert.Equal(t, "LineString", f.Geometry.Type)
	require.Len(t, f.Geometry.Coordinates, 2)
	assert.Equal(t, []float64{2, 1}, f.Geometry.Coordinates[0])
	assert.Equal(t, "WALKING", f.Properties["type"])
	assert.InDelta(t, 2, f.Properties["point_count"], 0)
}

func TestMarshalTrace_Empty(t *testing.T) {
	data, err := MarshalTrace(nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"FeatureCollection","features":[]}`, string(data))
}

func TestMarshalTrace_StationarySegmentIsPoint(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	segments := []types.TraceSegment{{
		SubjectID: "subject-1",
		Type:      types.SegmentStationary,
		Points: []types.TracePoint{
			{Latitude: 1, Longitude: 2, Timestamp: start},
			{Latitude: 1, Longitude: 2, Timestamp: start.Add(time.Minute)},
			{Latitude: 1, Longitude: 2, Timestamp: start.Add(2 * time.Minute)},
		},
		StartTime: start,
		EndTime:   start.Add(2 * time.Minute),
	}}

	data, err := MarshalTrace(segments)
	require.NoError(t, err)

	var decoded struct {
		Features []struct {
			Geometry struct {
				Type        string    `json:"type"`
				Coordinates []float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"features"`
	}
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Len(t, decoded.Features, 1)
	assert.Equal(t, "Point", decoded.Features[0].Geometry.Type)
	assert.Equal(t, []float64{2, 1}, decoded.Features[0].Geometry.Coordinates)
}

func TestMarshalTrace_InvalidCoordinates(t *testing.T) {
	start := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		points []types.TracePoint
	}{
		{"non-finite longitude", []types.TracePoint{
			{Latitude: 1, Longitude: math.Inf(1), Timestamp: start},
			{Latitude: 1.001, Longitude: 2, Timestamp: start.Add(time.Minute)},
		}},
		{"single non-finite position", []types.TracePoint{
			{Latitude: math.NaN(), Longitude: 2, Timestamp: start},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segments := []types.TraceSegment{{SubjectID: "subject-1", Type: types.SegmentWalking, Points: tt.points, StartTime: start}}
			data, err := MarshalTrace(segments)
			assert.Error(t, err)
			assert.Nil(t, data)
		})
	}
}
