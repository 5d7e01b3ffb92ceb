package geo

import (
	"encoding/json"
	"fmt"
	"math"

	geom "github.com/peterstace/simplefeatures/geom"

	"github.com/saviobatista/fieldtrack/internal/types"
)

// EarthRadiusMeters is the mean Earth radius used for great-circle distances
const EarthRadiusMeters = 6371000.0

// HaversineMeters returns the great-circle distance between two WGS84 points
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	dLat := toRadians(lat2 - lat1)
	dLon := toRadians(lon2 - lon1)
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(toRadians(lat1))*math.Cos(toRadians(lat2))*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return EarthRadiusMeters * c
}

// SpeedKph converts a distance covered over seconds to km/h. Zero or negative durations yield 0.
func SpeedKph(meters, seconds float64) float64 {
	if seconds <= 0 {
		return 0
	}
	return meters / seconds * 3.6
}

func toRadians(deg float64) float64 {
	return deg * math.Pi / 180
}

// SegmentLineString builds the polyline of a trace segment, X=longitude Y=latitude
func SegmentLineString(seg types.TraceSegment) (geom.LineString, error) {
	coords := make([]float64, 0, len(seg.Points)*2)
	for _, p := range seg.Points {
		coords = append(coords, p.Longitude, p.Latitude)
	}
	ls, err := geom.NewLineString(geom.NewSequence(coords, geom.DimXY))
	if err != nil {
		return geom.LineString{}, fmt.Errorf("invalid polyline for segment %s: %w", seg.StartTime.Format("15:04:05"), err)
	}
	return ls, nil
}

// SegmentGeometry renders a segment as a LineString, or as a Point when every
// sample sits on the same coordinate
func SegmentGeometry(seg types.TraceSegment) (geom.Geometry, error) {
	if len(seg.Points) > 0 && singlePosition(seg.Points) {
		p := seg.Points[0]
		pt, err := geom.NewPoint(geom.Coordinates{XY: geom.XY{X: p.Longitude, Y: p.Latitude}, Type: geom.DimXY})
		if err != nil {
			return geom.Geometry{}, fmt.Errorf("invalid position for segment %s: %w", seg.StartTime.Format("15:04:05"), err)
		}
		return pt.AsGeometry(), nil
	}
	ls, err := SegmentLineString(seg)
	if err != nil {
		return geom.Geometry{}, err
	}
	return ls.AsGeometry(), nil
}

func singlePosition(points []types.TracePoint) bool {
	for _, p := range points[1:] {
		if p.Latitude != points[0].Latitude || p.Longitude != points[0].Longitude {
			return false
		}
	}
	return true
}

// Feature is a GeoJSON feature carrying one trace segment
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   geom.Geometry          `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

// FeatureCollection is the GeoJSON rendering of a trace
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// TraceFeatures converts segments into a GeoJSON feature collection for map rendering
func TraceFeatures(segments []types.TraceSegment) (FeatureCollection, error) {
	fc := FeatureCollection{Type: "FeatureCollection", Features: make([]Feature, 0, len(segments))}
	for _, seg := range segments {
		geometry, err := SegmentGeometry(seg)
		if err != nil {
			return FeatureCollection{}, err
		}
		fc.Features = append(fc.Features, Feature{
			Type:     "Feature",
			Geometry: geometry,
			Properties: map[string]interface{}{
				"subject_id":            seg.SubjectID,
				"type":                  seg.Type,
				"start_time":            seg.StartTime,
				"end_time":              seg.EndTime,
				"total_distance_meters": seg.TotalDistanceMeters,
				"average_speed_kph":     seg.AverageSpeedKph,
				"point_count":           len(seg.Points),
			},
		})
	}
	return fc, nil
}

// MarshalTrace encodes segments as GeoJSON
func MarshalTrace(segments []types.TraceSegment) ([]byte, error) {
	fc, err := TraceFeatures(segments)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(fc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trace: %w", err)
	}
	return data, nil
}
