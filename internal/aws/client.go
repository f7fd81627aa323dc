// Package aws provides AWS API client functionality.
package aws

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cloudwatchtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/aws-sdk-go-v2/service/rds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/opsgate/keysentry/internal/credreport"
)

// Credential report polling. The wait grows linearly: 5s, 10s, 15s, …
const (
	reportPollBaseWait    = 5 * time.Second
	reportPollMaxAttempts = 10
)

// FreeStorageSpace lookup window.
const (
	storageMetricWindow = 5 * time.Minute
	storageMetricPeriod = 60
)

// ErrNoDatapoints reports that CloudWatch returned no datapoints for a
// metric query; callers decide the fallback.
var ErrNoDatapoints = errors.New("no datapoints returned")

// Client provides access to the AWS APIs the audit needs.
type Client struct {
	cfg   aws.Config
	sleep func(time.Duration)
}

// NewClient creates a client using the default credential chain.
func NewClient(ctx context.Context) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return &Client{cfg: cfg, sleep: time.Sleep}, nil
}

// NewClientWithRole creates a client that assumes the specified role, for
// auditing accounts other than the one the process credentials live in.
func NewClientWithRole(ctx context.Context, roleARN, externalID string) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	stsClient := sts.NewFromConfig(cfg)
	creds := stscreds.NewAssumeRoleProvider(stsClient, roleARN, func(o *stscreds.AssumeRoleOptions) {
		if externalID != "" {
			o.ExternalID = &externalID
		}
		o.Duration = 1 * time.Hour
	})
	cfg.Credentials = aws.NewCredentialsCache(creds)

	return &Client{cfg: cfg, sleep: time.Sleep}, nil
}

// CallerIdentity returns the account ID of the current credentials.
func (c *Client) CallerIdentity(ctx context.Context) (string, error) {
	stsClient := sts.NewFromConfig(c.cfg)
	output, err := stsClient.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("getting caller identity: %w", err)
	}
	return *output.Account, nil
}

// GetCredentialReport generates the IAM credential report, waits for it to
// be ready, and returns its raw rows. Generation is asynchronous on the AWS
// side; the wait between polls grows linearly and the total wait is bounded.
func (c *Client) GetCredentialReport(ctx context.Context) ([]credreport.Row, error) {
	iamClient := iam.NewFromConfig(c.cfg)

	ready := false
	for attempt := 1; attempt <= reportPollMaxAttempts; attempt++ {
		output, err := iamClient.GenerateCredentialReport(ctx, &iam.GenerateCredentialReportInput{})
		if err != nil {
			return nil, fmt.Errorf("generating credential report: %w", err)
		}
		if output.State == iamtypes.ReportStateTypeComplete {
			ready = true
			break
		}
		c.sleep(reportPollWait(attempt))
	}
	if !ready {
		return nil, fmt.Errorf("credential report not ready after %d attempts", reportPollMaxAttempts)
	}

	report, err := iamClient.GetCredentialReport(ctx, &iam.GetCredentialReportInput{})
	if err != nil {
		return nil, fmt.Errorf("getting credential report: %w", err)
	}
	return credreport.ParseCSV(report.Content)
}

// reportPollWait returns the linear backoff for the given 1-based attempt.
func reportPollWait(attempt int) time.Duration {
	return time.Duration(attempt) * reportPollBaseWait
}

// ListDBInstances returns all RDS instances in the configured region,
// including their tags.
func (c *Client) ListDBInstances(ctx context.Context) ([]RDSInstance, error) {
	rdsClient := rds.NewFromConfig(c.cfg)
	paginator := rds.NewDescribeDBInstancesPaginator(rdsClient, &rds.DescribeDBInstancesInput{})

	var instances []RDSInstance
	for paginator.HasMorePages() {
		output, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("describing DB instances: %w", err)
		}
		for _, inst := range output.DBInstances {
			tags := make(map[string]string, len(inst.TagList))
			for _, tag := range inst.TagList {
				tags[aws.ToString(tag.Key)] = aws.ToString(tag.Value)
			}
			instances = append(instances, RDSInstance{
				Identifier:         aws.ToString(inst.DBInstanceIdentifier),
				ARN:                aws.ToString(inst.DBInstanceArn),
				AllocatedStorageGB: aws.ToInt32(inst.AllocatedStorage),
				Tags:               tags,
			})
		}
	}
	return instances, nil
}

// FreeStorageSpace returns the minimum of the instance's FreeStorageSpace
// averages over the last five minutes, in bytes. Returns ErrNoDatapoints
// when CloudWatch has nothing yet (typical for a freshly created instance).
func (c *Client) FreeStorageSpace(ctx context.Context, instanceID string) (float64, error) {
	cwClient := cloudwatch.NewFromConfig(c.cfg)
	now := time.Now()

	output, err := cwClient.GetMetricStatistics(ctx, &cloudwatch.GetMetricStatisticsInput{
		Namespace:  aws.String("AWS/RDS"),
		MetricName: aws.String("FreeStorageSpace"),
		Dimensions: []cloudwatchtypes.Dimension{
			{Name: aws.String("DBInstanceIdentifier"), Value: aws.String(instanceID)},
		},
		StartTime:  aws.Time(now.Add(-storageMetricWindow)),
		EndTime:    aws.Time(now),
		Period:     aws.Int32(storageMetricPeriod),
		Statistics: []cloudwatchtypes.Statistic{cloudwatchtypes.StatisticAverage},
	})
	if err != nil {
		return 0, fmt.Errorf("getting FreeStorageSpace for %s: %w", instanceID, err)
	}

	return minAverage(output.Datapoints)
}

// minAverage picks the worst-case (smallest) average across datapoints.
func minAverage(datapoints []cloudwatchtypes.Datapoint) (float64, error) {
	found := false
	var minimum float64
	for _, dp := range datapoints {
		if dp.Average == nil {
			continue
		}
		if !found || *dp.Average < minimum {
			minimum = *dp.Average
			found = true
		}
	}
	if !found {
		return 0, ErrNoDatapoints
	}
	return minimum, nil
}
