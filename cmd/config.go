package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/encoding"
)

// addConfigurationFlags adds the transactions configuration flags to cmd.
func addConfigurationFlags(cmd *cobra.Command) {
	f := cmd.PersistentFlags()
	f.String("durability-level", "none", WrapString("Default durability of transactional writes (none, majority, majorityAndPersistToActive, persistToMajority)"))
	f.Duration("kv-timeout", 0, WrapString("Timeout of each key-value operation, durability waits included (default 2.5s)"))
	f.Duration("txn-timeout", 0, WrapString("Timeout of a whole transaction, begin to commit (default 15s)"))
	f.String("scan-consistency", "", WrapString("Query scan consistency (notBounded, requestPlus), empty leaves the server default"))
	f.Duration("cleanup-window", 0, WrapString("Age a cleanup record must reach before a sweeper looks at it; sweeps run every half window (default 60s)"))
	f.Bool("cleanup-lost-attempts", true, WrapString("Scan for transactions abandoned by any client"))
	f.Bool("cleanup-client-attempts", true, WrapString("Clean up this client's own unfinished transactions right away"))
	f.Int("cleanup-batch-size", 0, WrapString("Max cleanup records fetched per sweep (default 100)"))
	f.Int("cleanup-concurrency", 0, WrapString("Max cleanup records resolved in parallel (default 4)"))
	f.StringArray("durability-rule", nil, WrapString(`Per key durability as LEVEL:EXPRESSION, e.g. 'majority:key.startsWith("order:")'. First match wins. DTX_DURABILITY_RULE separates rules with ';'`))
}

// LoadConfiguration builds and validates the transactions Configuration from v.
// Zero durations and sizes are left for Configuration.WithDefaults.
func LoadConfiguration(v *viper.Viper) (dtx.Configuration, error) {
	level, err := dtx.ParseDurabilityLevel(v.GetString("durability-level"))
	if err != nil {
		return dtx.Configuration{}, err
	}
	cfg := dtx.Configuration{
		DurabilityLevel:    level,
		KeyValueTimeout:    v.GetDuration("kv-timeout"),
		TransactionTimeout: v.GetDuration("txn-timeout"),
		Cleanup: &dtx.CleanupConfig{
			Window:         v.GetDuration("cleanup-window"),
			LostAttempts:   dtx.Bool(v.GetBool("cleanup-lost-attempts")),
			ClientAttempts: dtx.Bool(v.GetBool("cleanup-client-attempts")),
			BatchSize:      v.GetInt("cleanup-batch-size"),
			Concurrency:    v.GetInt("cleanup-concurrency"),
		},
	}
	if sc := v.GetString("scan-consistency"); sc != "" {
		cfg.Query = &dtx.QueryConfig{ScanConsistency: dtx.ScanConsistency(sc)}
	}
	for _, r := range stringList(v, "durability-rule", ";") {
		lvl, expr, ok := strings.Cut(r, ":")
		if !ok || strings.TrimSpace(expr) == "" {
			return dtx.Configuration{}, fmt.Errorf("invalid durability rule %q (expected LEVEL:EXPRESSION)", r)
		}
		l, err := dtx.ParseDurabilityLevel(lvl)
		if err != nil {
			return dtx.Configuration{}, fmt.Errorf("invalid durability rule %q: %w", r, err)
		}
		cfg.DurabilityRules = append(cfg.DurabilityRules, dtx.DurabilityRule{Expression: strings.TrimSpace(expr), Level: l})
	}
	if err := cfg.Validate(); err != nil {
		return dtx.Configuration{}, err
	}
	return cfg, nil
}

func newConfigCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective transactions configuration",
		Long:  `Print the transactions configuration built from flags, DTX_* environment variables and .env files, defaults applied, in its exported JSON form.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := LoadConfiguration(v)
			if err != nil {
				return err
			}
			ba, err := encoding.DefaultMarshaler.Marshal(cfg.WithDefaults().Export())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(ba))
			return nil
		},
	}
}
