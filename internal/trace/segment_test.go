package trace

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saviobatista/fieldtrack/internal/config"
	"github.com/saviobatista/fieldtrack/internal/geo"
	"github.com/saviobatista/fieldtrack/internal/types"
)

const subject = "subject-1"

var t0 = time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)

// metersNorth returns the latitude delta covering m meters along a meridian
func metersNorth(m float64) float64 {
	return m / geo.EarthRadiusMeters * 180 / math.Pi
}

func sample(offset time.Duration, lat, lon float64) *types.LocationSample {
	return &types.LocationSample{SubjectID: subject, Timestamp: t0.Add(offset), Latitude: lat, Longitude: lon}
}

// track builds samples stepping `step` meters north every `every`, starting at lat
func track(start time.Duration, n int, every time.Duration, step, lat float64) []*types.LocationSample {
	out := make([]*types.LocationSample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, sample(start+time.Duration(i)*every, lat+metersNorth(step*float64(i)), 10))
	}
	return out
}

func newTestSegmenter() *Segmenter {
	return NewSegmenter(ThresholdsFrom(config.DefaultTracking()))
}

func flattenTimes(segments []types.TraceSegment) []time.Time {
	var out []time.Time
	for _, seg := range segments {
		for _, p := range seg.Points {
			out = append(out, p.Timestamp)
		}
	}
	return out
}

func types_(segments []types.TraceSegment) []types.SegmentType {
	out := make([]types.SegmentType, 0, len(segments))
	for _, s := range segments {
		out = append(out, s.Type)
	}
	return out
}

func TestSegment_EmptyAndSingle(t *testing.T) {
	s := newTestSegmenter()
	assert.Empty(t, s.Segment(nil, subject))
	assert.Empty(t, s.Segment([]*types.LocationSample{}, subject))
	assert.Empty(t, s.Segment([]*types.LocationSample{sample(0, 1, 1)}, subject))
}

func TestSegment_SlowDriftIsStationary(t *testing.T) {
	s := newTestSegmenter()
	segments := s.Segment(track(0, 3, time.Minute, 5, 1), subject)

	require.Len(t, segments, 1)
	seg := segments[0]
	assert.Equal(t, types.SegmentStationary, seg.Type)
	assert.Len(t, seg.Points, 3)
	assert.InDelta(t, 10, seg.TotalDistanceMeters, 1e-6)
	assert.InDelta(t, 0.3, seg.AverageSpeedKph, 1e-6)
	assert.Equal(t, t0, seg.StartTime)
	assert.Equal(t, t0.Add(2*time.Minute), seg.EndTime)
	assert.Equal(t, subject, seg.SubjectID)
}

func TestSegment_TeleportIsTwoPointSegment(t *testing.T) {
	s := newTestSegmenter()
	segments := s.Segment([]*types.LocationSample{
		sample(0, 1, 10),
		sample(10*time.Second, 1+metersNorth(5000), 10),
	}, subject)

	require.Len(t, segments, 1)
	assert.Equal(t, types.SegmentTeleport, segments[0].Type)
	assert.Len(t, segments[0].Points, 2)
	assert.InDelta(t, 1800, segments[0].AverageSpeedKph, 1e-6)
}

func TestSegment_IdenticalPositions(t *testing.T) {
	s := newTestSegmenter()
	segments := s.Segment(track(0, 20, 30*time.Second, 0, 1), subject)

	require.Len(t, segments, 1)
	assert.Equal(t, types.SegmentStationary, segments[0].Type)
	assert.Equal(t, t0, segments[0].StartTime)
	assert.Equal(t, t0.Add(19*30*time.Second), segments[0].EndTime)
	assert.Zero(t, segments[0].TotalDistanceMeters)
}

func TestSegment_IsolatedJump(t *testing.T) {
	s := newTestSegmenter()
	before := track(0, 5, time.Minute, 0, 1)
	jumpLat := 1 + metersNorth(20000)
	after := track(5*time.Minute, 5, time.Minute, 0, jumpLat)

	segments := s.Segment(append(before, after...), subject)

	require.Len(t, segments, 3)
	assert.Equal(t, []types.SegmentType{types.SegmentStationary, types.SegmentTeleport, types.SegmentStationary}, types_(segments))
	assert.Len(t, segments[0].Points, 4)
	assert.Len(t, segments[1].Points, 2)
	assert.Len(t, segments[2].Points, 4)
	assert.Equal(t, t0.Add(4*time.Minute), segments[1].StartTime)
	assert.Equal(t, t0.Add(5*time.Minute), segments[1].EndTime)
}

func TestSegment_SingleOutlierSample(t *testing.T) {
	s := newTestSegmenter()
	var samples []*types.LocationSample
	samples = append(samples, track(0, 5, time.Minute, 0, 1)...)
	samples = append(samples, sample(5*time.Minute, 1+metersNorth(50000), 10))
	samples = append(samples, track(6*time.Minute, 5, time.Minute, 0, 1)...)

	segments := s.Segment(samples, subject)

	require.Len(t, segments, 3)
	assert.Equal(t, []types.SegmentType{types.SegmentStationary, types.SegmentTeleport, types.SegmentStationary}, types_(segments))
	assert.Len(t, segments[1].Points, 2, "the outlier stays visible with its approach point")
	assert.Len(t, flattenTimes(segments), len(samples))
}

func TestSegment_LeftoverSampleJoinsItsRun(t *testing.T) {
	s := newTestSegmenter()
	walked := 1 + metersNorth(80)
	far := 1 + metersNorth(20000)
	samples := []*types.LocationSample{
		sample(0, 1, 10),
		sample(time.Minute, walked, 10),
		sample(2*time.Minute, walked, 10),
		sample(3*time.Minute, walked, 10),
		sample(3*time.Minute+10*time.Second, far, 10),
	}

	segments := s.Segment(samples, subject)

	require.Len(t, segments, 2)
	assert.Equal(t, []types.SegmentType{types.SegmentWalking, types.SegmentTeleport}, types_(segments))
	assert.Len(t, segments[0].Points, 3)
	assert.Len(t, segments[1].Points, 2)
}

func TestSegment_LoneSampleBesideJumps(t *testing.T) {
	s := newTestSegmenter()
	far := 1 + metersNorth(20000)

	tests := []struct {
		name    string
		samples []*types.LocationSample
		want    []types.SegmentType
		points  []int
	}{
		{
			name: "before the first jump",
			samples: []*types.LocationSample{
				sample(0, 1, 10),
				sample(time.Minute, 1+metersNorth(80), 10),
				sample(time.Minute+10*time.Second, far, 10),
				sample(2*time.Minute, far, 10),
				sample(3*time.Minute, far, 10),
			},
			want:   []types.SegmentType{types.SegmentTeleport, types.SegmentStationary},
			points: []int{3, 2},
		},
		{
			name: "between two jumps",
			samples: append(append(track(0, 4, time.Minute, 0, 1),
				sample(3*time.Minute+10*time.Second, far, 10),
				sample(4*time.Minute, far, 10),
				sample(5*time.Minute, far, 10),
				sample(5*time.Minute+10*time.Second, 1, 10)),
				track(6*time.Minute, 3, time.Minute, 0, 1)...),
			want:   []types.SegmentType{types.SegmentStationary, types.SegmentTeleport, types.SegmentTeleport, types.SegmentStationary},
			points: []int{3, 3, 2, 3},
		},
		{
			name: "after the last jump",
			samples: append(track(0, 4, time.Minute, 0, 1),
				sample(3*time.Minute+10*time.Second, far, 10),
				sample(4*time.Minute, far, 10)),
			want:   []types.SegmentType{types.SegmentStationary, types.SegmentTeleport},
			points: []int{3, 3},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			segments := s.Segment(tt.samples, subject)

			require.Equal(t, tt.want, types_(segments))
			for i, seg := range segments {
				assert.Len(t, seg.Points, tt.points[i], "segment %d", i)
			}
			assert.Len(t, flattenTimes(segments), len(tt.samples))
		})
	}
}

func TestSegment_AlternatingJumps(t *testing.T) {
	s := newTestSegmenter()
	far := 1 + metersNorth(20000)
	var samples []*types.LocationSample
	for i := 0; i < 9; i++ {
		lat := 1.0
		if i%2 == 1 {
			lat = far
		}
		samples = append(samples, sample(time.Duration(i)*10*time.Second, lat, 10))
	}

	segments := s.Segment(samples, subject)

	require.Len(t, segments, 4)
	for i, seg := range segments {
		assert.Equal(t, types.SegmentTeleport, seg.Type)
		if i < 3 {
			assert.Len(t, seg.Points, 2)
		}
	}
	assert.Len(t, segments[3].Points, 3)
	got := flattenTimes(segments)
	require.Len(t, got, len(samples))
	for i, p := range samples {
		assert.True(t, p.Timestamp.Equal(got[i]))
	}
}

func TestSegment_ModeChanges(t *testing.T) {
	s := newTestSegmenter()
	var samples []*types.LocationSample
	// standing still, then walking at 4.8 km/h, then driving at 54 km/h
	samples = append(samples, track(0, 4, time.Minute, 0, 1)...)
	lat := samples[len(samples)-1].Latitude
	walk := track(4*time.Minute, 5, time.Minute, 80, lat+metersNorth(80))
	samples = append(samples, walk...)
	lat = walk[len(walk)-1].Latitude
	samples = append(samples, track(9*time.Minute, 5, time.Minute, 900, lat+metersNorth(900))...)

	segments := s.Segment(samples, subject)

	require.Len(t, segments, 3)
	assert.Equal(t, []types.SegmentType{types.SegmentStationary, types.SegmentWalking, types.SegmentDriving}, types_(segments))
	assert.InDelta(t, 4.8, segments[1].AverageSpeedKph, 0.01)
	assert.InDelta(t, 54, segments[2].AverageSpeedKph, 0.01)
	for _, seg := range segments {
		assert.GreaterOrEqual(t, len(seg.Points), 2)
	}
}

func TestSegment_RoundTripCoverage(t *testing.T) {
	s := newTestSegmenter()
	var samples []*types.LocationSample
	samples = append(samples, track(0, 7, 20*time.Second, 3, 1)...)
	samples = append(samples, sample(140*time.Second, 1.5, 10))
	samples = append(samples, track(160*time.Second, 6, 10*time.Second, 150, 1.5)...)
	samples = append(samples, track(220*time.Second, 2, 30*time.Second, 20, 1.6)...)

	// duplicates and out-of-order delivery
	shuffled := append([]*types.LocationSample{}, samples[5], samples[3])
	shuffled = append(shuffled, samples...)
	shuffled = append(shuffled, samples[10])

	prepared := Prepare(shuffled, subject)
	require.Len(t, prepared, len(samples))

	segments := s.Segment(shuffled, subject)
	got := flattenTimes(segments)
	require.Len(t, got, len(prepared))
	for i, p := range prepared {
		assert.True(t, p.Timestamp.Equal(got[i]), "point %d out of place", i)
	}

	for i := 1; i < len(segments); i++ {
		assert.True(t, segments[i].StartTime.After(segments[i-1].EndTime), "segments must be time-disjoint")
	}
}

func TestSegment_Idempotent(t *testing.T) {
	s := newTestSegmenter()
	var samples []*types.LocationSample
	samples = append(samples, track(0, 6, time.Minute, 2, 1)...)
	samples = append(samples, track(6*time.Minute, 4, 10*time.Second, 200, 1.01)...)
	samples = append(samples, sample(7*time.Minute, 3, 10))
	samples = append(samples, track(8*time.Minute, 3, time.Minute, 60, 3)...)

	first := s.Segment(samples, subject)
	second := s.Segment(Flatten(first, subject), subject)

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Type, second[i].Type)
		assert.Equal(t, first[i].Points, second[i].Points)
		assert.InDelta(t, first[i].TotalDistanceMeters, second[i].TotalDistanceMeters, 1e-9)
	}
}

func TestPrepare_DropsInvalidAndForeignSamples(t *testing.T) {
	samples := []*types.LocationSample{
		sample(2*time.Minute, 1, 1),
		nil,
		{SubjectID: subject, Timestamp: t0.Add(time.Minute), Latitude: 95, Longitude: 1},
		{SubjectID: "someone-else", Timestamp: t0.Add(3 * time.Minute), Latitude: 1, Longitude: 1},
		sample(0, 1, 1),
		sample(0, 2, 2),
	}

	prepared := Prepare(samples, subject)

	require.Len(t, prepared, 2)
	assert.Equal(t, t0, prepared[0].Timestamp)
	assert.Equal(t, 1.0, prepared[0].Latitude, "first delivery wins for equal timestamps")
	assert.Equal(t, t0.Add(2*time.Minute), prepared[1].Timestamp)
}

func TestSegmenter_Classify(t *testing.T) {
	s := NewSegmenter(Thresholds{StationaryKph: 1, WalkingKph: 7, TeleportKph: 300})

	tests := []struct {
		name    string
		meters  float64
		seconds float64
		want    types.SegmentType
	}{
		{"no movement", 0, 60, types.SegmentStationary},
		{"at stationary limit", 1000, 3600, types.SegmentStationary},
		{"walking", 80, 60, types.SegmentWalking},
		{"at walking limit", 7000, 3600, types.SegmentWalking},
		{"driving", 1000, 60, types.SegmentDriving},
		{"at teleport limit", 300000, 3600, types.SegmentDriving},
		{"teleport", 5000, 10, types.SegmentTeleport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Classify(tt.meters, tt.seconds))
		})
	}
}
