package aws

import (
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cloudwatchtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

func TestReportPollWaitGrowsLinearly(t *testing.T) {
	waits := []time.Duration{
		reportPollWait(1),
		reportPollWait(2),
		reportPollWait(3),
	}
	expected := []time.Duration{5 * time.Second, 10 * time.Second, 15 * time.Second}
	for i := range waits {
		if waits[i] != expected[i] {
			t.Fatalf("attempt %d: expected wait %v, got %v", i+1, expected[i], waits[i])
		}
	}
}

func TestMinAverage(t *testing.T) {
	datapoints := []cloudwatchtypes.Datapoint{
		{Average: aws.Float64(30e9)},
		{Average: aws.Float64(12e9)},
		{Average: nil},
		{Average: aws.Float64(25e9)},
	}
	got, err := minAverage(datapoints)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 12e9 {
		t.Fatalf("expected minimum 12e9, got %v", got)
	}
}

func TestMinAverageNoDatapoints(t *testing.T) {
	if _, err := minAverage(nil); !errors.Is(err, ErrNoDatapoints) {
		t.Fatalf("expected ErrNoDatapoints, got %v", err)
	}
	if _, err := minAverage([]cloudwatchtypes.Datapoint{{Average: nil}}); !errors.Is(err, ErrNoDatapoints) {
		t.Fatalf("expected ErrNoDatapoints for nil-only datapoints, got %v", err)
	}
}
