package types

import (
	"time"
)

// OnlineState is the liveness of a pin derived from how long ago its subject last reported
type OnlineState string

const (
	StateOnline  OnlineState = "ONLINE"
	StateStale   OnlineState = "STALE"
	StateOffline OnlineState = "OFFLINE"
)

// SegmentType is the movement class of a trace segment
type SegmentType string

const (
	SegmentStationary SegmentType = "STATIONARY"
	SegmentWalking    SegmentType = "WALKING"
	SegmentDriving    SegmentType = "DRIVING"
	SegmentTeleport   SegmentType = "TELEPORT_ANOMALY"
)

// LocationSample represents one raw GPS reading reported by a subject's device
type LocationSample struct {
	TenantID       string    `json:"tenant_id"`
	SubjectID      string    `json:"subject_id"`
	Timestamp      time.Time `json:"timestamp"`
	Latitude       float64   `json:"latitude"`
	Longitude      float64   `json:"longitude"`
	AccuracyMeters *float64  `json:"accuracy_meters,omitempty"`
	SpeedKph       *float64  `json:"speed_kph,omitempty"`
	HeadingDegrees *float64  `json:"heading_degrees,omitempty"`
	BatteryPercent *float64  `json:"battery_percent,omitempty"`
	IsCharging     *bool     `json:"is_charging,omitempty"`
	IsMockLocation bool      `json:"is_mock_location"`
}

// Profile is the identity metadata shown next to a pin
type Profile struct {
	SubjectID   string `json:"subject_id"`
	DisplayName string `json:"display_name"`
	AvatarRef   string `json:"avatar_ref,omitempty"`
	AvatarURL   string `json:"avatar_url,omitempty"`
}

// PlaceholderProfile is used when the identity lookup is unavailable
func PlaceholderProfile(subjectID string) Profile {
	return Profile{
		SubjectID:   subjectID,
		DisplayName: subjectID,
	}
}

// LivePin represents the reconciled map state of one subject
type LivePin struct {
	SubjectID       string         `json:"subject_id"`
	LastSample      LocationSample `json:"last_sample"`
	State           OnlineState    `json:"state"`
	DisplayName     string         `json:"display_name"`
	AvatarURL       string         `json:"avatar_url,omitempty"`
	ProfileResolved bool           `json:"profile_resolved"`
	MockLocation    bool           `json:"mock_location"`
	BatteryPercent  *float64       `json:"battery_percent,omitempty"`
	IsCharging      *bool          `json:"is_charging,omitempty"`
}

// TracePoint is one vertex of a trace segment polyline
type TracePoint struct {
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
	Timestamp time.Time `json:"timestamp"`
}

// TraceSegment is one classified leg of a subject's recent movement
type TraceSegment struct {
	SubjectID           string       `json:"subject_id"`
	Type                SegmentType  `json:"type"`
	Points              []TracePoint `json:"points"`
	StartTime           time.Time    `json:"start_time"`
	EndTime             time.Time    `json:"end_time"`
	TotalDistanceMeters float64      `json:"total_distance_meters"`
	AverageSpeedKph     float64      `json:"average_speed_kph"`
}

// ConnectionEvent reports a change in the push feed transport
type ConnectionEvent struct {
	Connected bool
	Err       error
	At        time.Time
}
