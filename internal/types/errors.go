package types

import (
	"errors"
	"fmt"
	"math"
)

var (
	ErrTransientFetch      = errors.New("transient fetch error")
	ErrSubscriptionDropped = errors.New("subscription dropped")
	ErrEnrichment          = errors.New("enrichment lookup failure")
	ErrInvalidSample       = errors.New("invalid sample")
)

// TransientFetchError wraps a failed snapshot or history query
type TransientFetchError struct {
	Op       string
	TenantID string
	Err      error
}

func (e *TransientFetchError) Error() string {
	return fmt.Sprintf("%s failed for tenant %q: %v", e.Op, e.TenantID, e.Err)
}

func (e *TransientFetchError) Unwrap() []error { return []error{ErrTransientFetch, e.Err} }

// SubscriptionDroppedError reports a lost push transport
type SubscriptionDroppedError struct {
	TenantID string
	Err      error
}

func (e *SubscriptionDroppedError) Error() string {
	return fmt.Sprintf("push subscription for tenant %q dropped: %v", e.TenantID, e.Err)
}

func (e *SubscriptionDroppedError) Unwrap() []error { return []error{ErrSubscriptionDropped, e.Err} }

// EnrichmentError reports a failed identity lookup for one subject
type EnrichmentError struct {
	SubjectID string
	Err       error
}

func (e *EnrichmentError) Error() string {
	return fmt.Sprintf("failed to resolve profile for %s: %v", e.SubjectID, e.Err)
}

func (e *EnrichmentError) Unwrap() []error { return []error{ErrEnrichment, e.Err} }

// InvalidSampleError describes why a single sample was dropped
type InvalidSampleError struct {
	SubjectID string
	Reason    string
}

func (e *InvalidSampleError) Error() string {
	return fmt.Sprintf("invalid sample for %q: %s", e.SubjectID, e.Reason)
}

func (e *InvalidSampleError) Unwrap() error { return ErrInvalidSample }

// Validate checks the fields every consumer of a sample relies on
func (s *LocationSample) Validate() error {
	switch {
	case s == nil:
		return &InvalidSampleError{Reason: "nil sample"}
	case s.SubjectID == "":
		return &InvalidSampleError{Reason: "missing subject id"}
	case s.Timestamp.IsZero():
		return &InvalidSampleError{SubjectID: s.SubjectID, Reason: "missing timestamp"}
	case math.IsNaN(s.Latitude) || s.Latitude < -90 || s.Latitude > 90:
		return &InvalidSampleError{SubjectID: s.SubjectID, Reason: fmt.Sprintf("latitude %v out of range", s.Latitude)}
	case math.IsNaN(s.Longitude) || s.Longitude < -180 || s.Longitude > 180:
		return &InvalidSampleError{SubjectID: s.SubjectID, Reason: fmt.Sprintf("longitude %v out of range", s.Longitude)}
	case s.BatteryPercent != nil && (*s.BatteryPercent < 0 || *s.BatteryPercent > 100):
		return &InvalidSampleError{SubjectID: s.SubjectID, Reason: fmt.Sprintf("battery %v out of range", *s.BatteryPercent)}
	}
	return nil
}
