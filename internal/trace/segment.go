// Package trace reconstructs a subject's recent movement as typed polyline segments.
package trace

import (
	"sort"

	"github.com/saviobatista/fieldtrack/internal/config"
	"github.com/saviobatista/fieldtrack/internal/geo"
	"github.com/saviobatista/fieldtrack/internal/types"
)

// Thresholds are the speed limits, in km/h, separating the movement classes
type Thresholds struct {
	StationaryKph float64
	WalkingKph    float64
	TeleportKph   float64
}

// ThresholdsFrom extracts the segmenter thresholds from the tracking configuration
func ThresholdsFrom(cfg config.Tracking) Thresholds {
	return Thresholds{
		StationaryKph: cfg.StationaryKph,
		WalkingKph:    cfg.WalkingKph,
		TeleportKph:   cfg.TeleportKph,
	}
}

// Segmenter partitions ordered samples into movement segments
type Segmenter struct {
	thresholds Thresholds
}

// NewSegmenter creates a segmenter with the given thresholds
func NewSegmenter(t Thresholds) *Segmenter {
	return &Segmenter{thresholds: t}
}

// Classify returns the movement class implied by covering meters in seconds
func (s *Segmenter) Classify(meters, seconds float64) types.SegmentType {
	speed := geo.SpeedKph(meters, seconds)
	switch {
	case speed > s.thresholds.TeleportKph:
		return types.SegmentTeleport
	case speed <= s.thresholds.StationaryKph:
		return types.SegmentStationary
	case speed <= s.thresholds.WalkingKph:
		return types.SegmentWalking
	default:
		return types.SegmentDriving
	}
}

// Prepare returns the samples of subject sorted ascending, with invalid samples and
// non-increasing timestamps removed. The result is what Segment partitions.
func Prepare(samples []*types.LocationSample, subjectID string) []*types.LocationSample {
	kept := make([]*types.LocationSample, 0, len(samples))
	for _, s := range samples {
		if s == nil || s.Validate() != nil {
			continue
		}
		if subjectID != "" && s.SubjectID != subjectID {
			continue
		}
		kept = append(kept, s)
	}

	sort.SliceStable(kept, func(i, j int) bool {
		return kept[i].Timestamp.Before(kept[j].Timestamp)
	})

	out := kept[:0]
	for _, s := range kept {
		if len(out) > 0 && !s.Timestamp.After(out[len(out)-1].Timestamp) {
			continue
		}
		out = append(out, s)
	}
	return out
}

// Segment partitions the subject's samples into time-disjoint typed segments.
// Every prepared sample lands in exactly one segment, in order. Fewer than two
// usable samples yield no segments.
//
// A jump faster than the teleport threshold becomes its own two-point segment.
// The stretches between jumps are split by movement class. A stretch of a single
// sample has no movement of its own and joins the neighbouring jump.
func (s *Segmenter) Segment(samples []*types.LocationSample, subjectID string) []types.TraceSegment {
	pts := Prepare(samples, subjectID)
	if len(pts) < 2 {
		return nil
	}

	var out []types.TraceSegment
	start := 0
	for i := 0; i+1 < len(pts); i++ {
		// pts[i] landed the previous jump
		if i < start {
			continue
		}
		if s.legClass(pts[i], pts[i+1]) != types.SegmentTeleport {
			continue
		}
		jump := pts[i : i+2]
		if i-start == 1 && len(out) == 0 {
			jump = pts[start : i+2]
		} else {
			out = s.appendStretch(out, subjectID, pts[start:i])
		}
		out = append(out, buildSegment(subjectID, types.SegmentTeleport, jump))
		start = i + 2
	}
	return s.appendStretch(out, subjectID, pts[start:])
}

func (s *Segmenter) legClass(from, to *types.LocationSample) types.SegmentType {
	return s.Classify(
		geo.HaversineMeters(from.Latitude, from.Longitude, to.Latitude, to.Longitude),
		to.Timestamp.Sub(from.Timestamp).Seconds(),
	)
}

// appendStretch segments a run of samples containing no jump. A lone sample
// extends the last segment of out.
func (s *Segmenter) appendStretch(out []types.TraceSegment, subjectID string, pts []*types.LocationSample) []types.TraceSegment {
	switch len(pts) {
	case 0:
		return out
	case 1:
		return extendLast(out, subjectID, pts[0])
	}

	cur := []*types.LocationSample{pts[0]}
	var class types.SegmentType
	typed := false
	flush := func() {
		switch {
		case len(cur) >= 2:
			c := class
			if !typed {
				c = types.SegmentStationary
			}
			out = append(out, buildSegment(subjectID, c, cur))
		case len(cur) == 1:
			out = extendLast(out, subjectID, cur[0])
		}
		cur = nil
		typed = false
	}

	for _, p := range pts[1:] {
		prev := cur[len(cur)-1]
		c := s.legClass(prev, p)
		switch {
		case !typed:
			cur = append(cur, p)
			class, typed = c, true
		case c == class:
			cur = append(cur, p)
		case len(cur) >= 3:
			// the boundary point opens the new segment so its first leg keeps its class
			cur = cur[:len(cur)-1]
			flush()
			cur = []*types.LocationSample{prev, p}
			class, typed = c, true
		default:
			flush()
			cur = []*types.LocationSample{p}
		}
	}
	flush()
	return out
}

func extendLast(out []types.TraceSegment, subjectID string, p *types.LocationSample) []types.TraceSegment {
	if len(out) == 0 {
		return out
	}
	last := &out[len(out)-1]
	*last = buildSegment(subjectID, last.Type, append(pointsToSamples(last.Points), p))
	return out
}

func buildSegment(subjectID string, class types.SegmentType, pts []*types.LocationSample) types.TraceSegment {
	seg := types.TraceSegment{
		SubjectID: subjectID,
		Type:      class,
		Points:    make([]types.TracePoint, 0, len(pts)),
		StartTime: pts[0].Timestamp,
		EndTime:   pts[len(pts)-1].Timestamp,
	}
	for i, p := range pts {
		seg.Points = append(seg.Points, types.TracePoint{
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
			Timestamp: p.Timestamp,
		})
		if i > 0 {
			prev := pts[i-1]
			seg.TotalDistanceMeters += geo.HaversineMeters(prev.Latitude, prev.Longitude, p.Latitude, p.Longitude)
		}
	}
	seg.AverageSpeedKph = geo.SpeedKph(seg.TotalDistanceMeters, seg.EndTime.Sub(seg.StartTime).Seconds())
	return seg
}

// pointsToSamples turns segment vertices back into samples, e.g. to re-segment a trace
func pointsToSamples(points []types.TracePoint) []*types.LocationSample {
	out := make([]*types.LocationSample, 0, len(points))
	for _, p := range points {
		out = append(out, &types.LocationSample{
			Timestamp: p.Timestamp,
			Latitude:  p.Latitude,
			Longitude: p.Longitude,
		})
	}
	return out
}

// Flatten concatenates the vertices of all segments as samples of subjectID
func Flatten(segments []types.TraceSegment, subjectID string) []*types.LocationSample {
	var out []*types.LocationSample
	for _, seg := range segments {
		for _, s := range pointsToSamples(seg.Points) {
			s.SubjectID = subjectID
			out = append(out, s)
		}
	}
	return out
}
