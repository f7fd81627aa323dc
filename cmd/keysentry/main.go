// keysentry audits AWS IAM access key age against retention thresholds,
// keeps alert state in Postgres, and reports to a Prometheus pushgateway.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/opsgate/keysentry/internal/audit"
	awsclient "github.com/opsgate/keysentry/internal/aws"
	"github.com/opsgate/keysentry/internal/gateway"
	"github.com/opsgate/keysentry/internal/logging"
	"github.com/opsgate/keysentry/internal/policy"
	"github.com/opsgate/keysentry/internal/rdsstorage"
	"github.com/opsgate/keysentry/internal/store"
)

// Version is set at build time via -ldflags
var Version = "dev"

var (
	roleARNs       []string
	externalID     string
	thresholdsCSV  []string
	thresholdsYAML []string
	testMode       bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "keysentry",
		Short:   "AWS IAM access key age auditor",
		Version: Version,
		Long: `keysentry audits IAM access key age against retention thresholds,
records alert state in Postgres, and pushes stale-key metrics to a
Prometheus pushgateway.`,
		SilenceUsage: true,
	}

	checkKeysCmd := &cobra.Command{
		Use:   "check-keys",
		Short: "Audit IAM access key age and reconcile alert metrics",
		RunE:  runCheckKeys,
	}
	checkKeysCmd.Flags().StringSliceVar(&roleARNs, "role-arn", nil,
		"IAM role to assume per audited account (repeatable; default: ambient credentials)")
	checkKeysCmd.Flags().StringVar(&externalID, "external-id", "",
		"external ID for role assumption")
	checkKeysCmd.Flags().StringSliceVar(&thresholdsCSV, "thresholds-csv", nil,
		"CSV threshold policy file (repeatable, earlier files win)")
	checkKeysCmd.Flags().StringSliceVar(&thresholdsYAML, "thresholds-yaml", nil,
		"YAML threshold policy file (repeatable, earlier files win)")

	rdsStorageCmd := &cobra.Command{
		Use:   "rds-storage",
		Short: "Report RDS storage allocation and free space",
		RunE:  runRDSStorage,
	}
	rdsStorageCmd.Flags().BoolVar(&testMode, "test", os.Getenv("TEST") == "true",
		"print metrics instead of pushing them")

	rootCmd.AddCommand(checkKeysCmd, rdsStorageCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup loads .env if present and builds the logger and gateway client
// every command needs.
func setup() (*zap.Logger, *gateway.Client, error) {
	_ = godotenv.Load()

	log, err := logging.Init(logging.ConfigFromEnv())
	if err != nil {
		return nil, nil, fmt.Errorf("initializing logger: %w", err)
	}

	gw, err := gateway.FromEnv()
	if err != nil {
		return nil, nil, err
	}
	return log, gw, nil
}

func runCheckKeys(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	started := time.Now()

	log, gw, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	registry, err := loadRegistry()
	if err != nil {
		return err
	}
	defaults := policy.DefaultsFromEnv()

	db, err := store.Open(ctx, store.DSNFromEnv())
	if err != nil {
		return fmt.Errorf("connecting to alert store: %w", err)
	}
	defer db.Close()
	if err := db.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensuring alert store schema: %w", err)
	}

	controller := audit.NewController(db, registry, defaults, log)

	var total audit.Result
	for _, client := range clientsForAccounts(ctx, log) {
		c, err := client.build(ctx)
		if err != nil {
			log.Error("skipping account, cannot build client",
				zap.String("role_arn", client.roleARN), zap.Error(err))
			continue
		}

		account, err := c.CallerIdentity(ctx)
		if err != nil {
			log.Error("skipping account, cannot resolve identity",
				zap.String("role_arn", client.roleARN), zap.Error(err))
			continue
		}
		log.Info("auditing account", zap.String("account", account))

		rows, err := c.GetCredentialReport(ctx)
		if err != nil {
			log.Error("skipping account, credential report failed",
				zap.String("account", account), zap.Error(err))
			continue
		}

		result, err := controller.Run(ctx, rows)
		if err != nil {
			log.Error("audit failed", zap.String("account", account), zap.Error(err))
			continue
		}
		total.Merge(result)
	}

	// A failed push leaves alert_sent untouched; the next run retries it.
	if err := audit.NewReconciler(db, gw, log).Reconcile(ctx); err != nil {
		log.Error("metric reconciliation incomplete, will retry next run", zap.Error(err))
	}

	log.Info("audit complete",
		zap.Int("processed", total.Processed),
		zap.Int("alerted", total.Alerted),
		zap.Int("cleared", total.Cleared),
		zap.Int("unknown_users", len(total.UnknownUsers)),
		zap.Strings("unknown_user_names", total.UnknownUsers),
		zap.Duration("elapsed", time.Since(started)))
	return nil
}

func runRDSStorage(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	log, gw, err := setup()
	if err != nil {
		return err
	}
	defer log.Sync() //nolint:errcheck

	client, err := awsclient.NewClient(ctx)
	if err != nil {
		return fmt.Errorf("building AWS client: %w", err)
	}

	reporter := rdsstorage.NewReporter(client, gw, rdsstorage.AllowedNamesFromEnv(), log)
	return reporter.Run(ctx, testMode)
}

// loadRegistry merges all threshold policy files. Files are merged in flag
// order; the first file to define an account type wins.
func loadRegistry() (*policy.Registry, error) {
	var lists [][]policy.Threshold
	for _, path := range thresholdsCSV {
		thresholds, err := policy.LoadCSV(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		lists = append(lists, thresholds)
	}
	for _, path := range thresholdsYAML {
		thresholds, err := policy.LoadYAML(path)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
		lists = append(lists, thresholds)
	}
	return policy.NewRegistry(lists...), nil
}

// accountClient defers AWS client construction so one bad role does not
// abort the whole run.
type accountClient struct {
	roleARN string
	build   func(ctx context.Context) (*awsclient.Client, error)
}

// clientsForAccounts returns one client builder per audited account: one per
// --role-arn, or a single default-chain client when none were given.
func clientsForAccounts(_ context.Context, _ *zap.Logger) []accountClient {
	if len(roleARNs) == 0 {
		return []accountClient{{
			build: func(ctx context.Context) (*awsclient.Client, error) {
				return awsclient.NewClient(ctx)
			},
		}}
	}

	clients := make([]accountClient, 0, len(roleARNs))
	for _, arn := range roleARNs {
		arn := arn
		clients = append(clients, accountClient{
			roleARN: arn,
			build: func(ctx context.Context) (*awsclient.Client, error) {
				return awsclient.NewClientWithRole(ctx, arn, externalID)
			},
		})
	}
	return clients
}
