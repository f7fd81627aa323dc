// Package rdsstorage reports RDS storage utilization to the metrics
// gateway: allocated bytes per instance alongside the current worst-case
// free bytes from CloudWatch.
package rdsstorage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/opsgate/keysentry/internal/aws"
)

// MetricJob is the pushgateway job name for RDS storage metrics.
const MetricJob = "aws_rds_storage_check"

// AllocatedStorage is reported in GB; metrics are emitted in bytes.
const gbInBytes = 1e9

// fallbackFreeBytes is assumed when CloudWatch has no datapoints yet,
// typically a newborn instance. The minimum RDS volume is 20 GB, so 10 GB
// free is a safe floor that will not page anyone.
const fallbackFreeBytes = 1e10

// Instances are selected when they carry both of these tags, unless they
// are explicitly allow-listed by name.
const (
	tagDeployment = "deployment"
	tagStack      = "stack"
)

// InstanceAPI is the AWS surface the reporter needs. *aws.Client satisfies
// it.
type InstanceAPI interface {
	ListDBInstances(ctx context.Context) ([]aws.RDSInstance, error)
	FreeStorageSpace(ctx context.Context, instanceID string) (float64, error)
}

// Pusher delivers one rendered metric batch to the gateway.
type Pusher interface {
	Push(ctx context.Context, job string, body []byte) error
}

// Reporter collects and pushes RDS storage metrics.
type Reporter struct {
	api     InstanceAPI
	gw      Pusher
	allowed map[string]bool
	log     *zap.Logger
}

// NewReporter wires a reporter. allowedNames is the explicit instance
// allow-list; instances not named there are still selected when they carry
// the deployment and stack tags.
func NewReporter(api InstanceAPI, gw Pusher, allowedNames []string, log *zap.Logger) *Reporter {
	allowed := make(map[string]bool, len(allowedNames))
	for _, name := range allowedNames {
		allowed[name] = true
	}
	return &Reporter{api: api, gw: gw, allowed: allowed, log: log}
}

// AllowedNamesFromEnv reads the comma-separated DISTINCT_RDS_INSTANCE_NAMES
// allow-list.
func AllowedNamesFromEnv() []string {
	raw := os.Getenv("DISTINCT_RDS_INSTANCE_NAMES")
	if raw == "" {
		return nil
	}
	var names []string
	for _, name := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			names = append(names, trimmed)
		}
	}
	return names
}

// Render collects storage metrics for all selected instances and formats
// them as exposition lines.
func (r *Reporter) Render(ctx context.Context) ([]byte, error) {
	instances, err := r.api.ListDBInstances(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing DB instances: %w", err)
	}

	var b bytes.Buffer
	for _, inst := range instances {
		if !r.selected(inst) {
			continue
		}

		allocated := float64(inst.AllocatedStorageGB) * gbInBytes
		free, err := r.api.FreeStorageSpace(ctx, inst.Identifier)
		if err != nil {
			r.log.Warn("no free storage metric, assuming fallback",
				zap.String("instance", inst.Identifier), zap.Error(err))
			free = fallbackFreeBytes
		}

		fmt.Fprintf(&b, "aws_rds_disk_allocated{instance=%q} %s\n", inst.Identifier, formatBytes(allocated))
		fmt.Fprintf(&b, "aws_rds_disk_free{instance=%q} %s\n", inst.Identifier, formatBytes(free))
	}
	return b.Bytes(), nil
}

// Run renders and pushes the metrics. In test mode the batch is printed
// instead of pushed.
func (r *Reporter) Run(ctx context.Context, testMode bool) error {
	body, err := r.Render(ctx)
	if err != nil {
		return err
	}

	if testMode {
		fmt.Println("TEST mode: skipping gateway push, rendered metrics:")
		fmt.Print(string(body))
		return nil
	}

	if err := r.gw.Push(ctx, MetricJob, body); err != nil {
		return fmt.Errorf("pushing RDS storage metrics: %w", err)
	}
	r.log.Info("pushed RDS storage metrics", zap.Int("bytes", len(body)))
	return nil
}

func (r *Reporter) selected(inst aws.RDSInstance) bool {
	if r.allowed[inst.Identifier] {
		return true
	}
	_, hasDeployment := inst.Tags[tagDeployment]
	_, hasStack := inst.Tags[tagStack]
	return hasDeployment && hasStack
}

func formatBytes(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
