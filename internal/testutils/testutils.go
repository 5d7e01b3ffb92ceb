package testutils

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/saviobatista/fieldtrack/internal/types"
)

// MockDeviceReport creates a mock device report line for testing
func MockDeviceReport(tenantID, subjectID string, ts time.Time, lat, lon float64) []byte {
	return []byte(fmt.Sprintf(
		`{"tenant_id":%q,"subject_id":%q,"timestamp":%q,"lat":%v,"lon":%v,"accuracy":8,"speed":1.2,"battery":80,"charging":false,"mock":false}`,
		tenantID, subjectID, ts.UTC().Format(time.RFC3339Nano), lat, lon,
	))
}

// MockSample creates a location sample for testing
func MockSample(tenantID, subjectID string, ts time.Time, lat, lon float64) *types.LocationSample {
	battery := 80.0
	return &types.LocationSample{
		TenantID:       tenantID,
		SubjectID:      subjectID,
		Timestamp:      ts.UTC(),
		Latitude:       lat,
		Longitude:      lon,
		BatteryPercent: &battery,
	}
}

// WaitForCondition waits for a condition to be true with timeout
func WaitForCondition(condition func() bool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("timeout waiting for condition")
		case <-ticker.C:
			if condition() {
				return nil
			}
		}
	}
}

// IsIntegrationTest returns true unless SKIP_INTEGRATION is set
func IsIntegrationTest() bool {
	return os.Getenv("SKIP_INTEGRATION") == ""
}

// RequireIntegration skips t in short mode or when SKIP_INTEGRATION is set
func RequireIntegration(t testing.TB) {
	t.Helper()
	if testing.Short() || !IsIntegrationTest() {
		t.Skip("Skipping integration test")
	}
}
