package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/saviobatista/fieldtrack/internal/types"
)

// msPerSecondToKph converts device speed in m/s to km/h
const msPerSecondToKph = 3.6

// report is the JSON document a device sends for one location fix
type report struct {
	TenantID  string          `json:"tenant_id"`
	SubjectID string          `json:"subject_id"`
	Timestamp json.RawMessage `json:"timestamp"`
	Latitude  *float64        `json:"lat"`
	Longitude *float64        `json:"lon"`
	Accuracy  *float64        `json:"accuracy"`
	Speed     *float64        `json:"speed"`
	Heading   *float64        `json:"heading"`
	Battery   *float64        `json:"battery"`
	Charging  *bool           `json:"charging"`
	Mock      bool            `json:"mock"`
}

// ParseSample parses one device report line into a location sample.
// Blank lines are keepalives and yield (nil, nil). A report without a
// timestamp is stamped with received.
func ParseSample(raw []byte, received time.Time) (*types.LocationSample, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}

	var r report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, &types.InvalidSampleError{Reason: fmt.Sprintf("malformed report: %v", err)}
	}

	if r.TenantID == "" {
		return nil, &types.InvalidSampleError{SubjectID: r.SubjectID, Reason: "missing tenant id"}
	}
	id, err := uuid.Parse(r.SubjectID)
	if err != nil {
		return nil, &types.InvalidSampleError{SubjectID: r.SubjectID, Reason: fmt.Sprintf("subject id is not a uuid: %v", err)}
	}
	if r.Latitude == nil || r.Longitude == nil {
		return nil, &types.InvalidSampleError{SubjectID: r.SubjectID, Reason: "missing coordinates"}
	}

	ts, err := parseTimestamp(r.Timestamp, received)
	if err != nil {
		return nil, &types.InvalidSampleError{SubjectID: r.SubjectID, Reason: err.Error()}
	}

	sample := &types.LocationSample{
		TenantID:       r.TenantID,
		SubjectID:      id.String(),
		Timestamp:      ts,
		Latitude:       *r.Latitude,
		Longitude:      *r.Longitude,
		AccuracyMeters: r.Accuracy,
		HeadingDegrees: r.Heading,
		BatteryPercent: r.Battery,
		IsCharging:     r.Charging,
		IsMockLocation: r.Mock,
	}
	if r.Speed != nil {
		kph := *r.Speed * msPerSecondToKph
		sample.SpeedKph = &kph
	}

	if err := sample.Validate(); err != nil {
		return nil, err
	}
	return sample, nil
}

// parseTimestamp accepts RFC 3339 strings or Unix epoch milliseconds
func parseTimestamp(raw json.RawMessage, received time.Time) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return received.UTC(), nil
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		ts, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
		}
		return ts.UTC(), nil
	}

	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	if ms <= 0 {
		return time.Time{}, fmt.Errorf("invalid timestamp: %d", ms)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// CheckTimestamp rejects a sample whose timestamp regressed more than tolerance
// behind the last accepted one, or lies more than tolerance in the future.
// A zero last means nothing was accepted yet.
func CheckTimestamp(sample *types.LocationSample, last, now time.Time, tolerance time.Duration) error {
	if !last.IsZero() && sample.Timestamp.Before(last.Add(-tolerance)) {
		return &types.InvalidSampleError{
			SubjectID: sample.SubjectID,
			Reason:    fmt.Sprintf("timestamp %s regressed beyond tolerance of last accepted %s", sample.Timestamp.Format(time.RFC3339), last.Format(time.RFC3339)),
		}
	}
	if sample.Timestamp.After(now.Add(tolerance)) {
		return &types.InvalidSampleError{
			SubjectID: sample.SubjectID,
			Reason:    fmt.Sprintf("timestamp %s is in the future", sample.Timestamp.Format(time.RFC3339)),
		}
	}
	return nil
}
