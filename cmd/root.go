// Package cmd holds the dtx command line: a REST server over a transaction
// coordinator, a standalone cleanup sweeper and configuration helpers.
//
// Every flag can also be set as DTX_<FLAG> in the environment or in a .env
// file, e.g. DTX_KV_TIMEOUT=3s or DTX_RECORD_STORE=redis.
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sharedcode/dtx"
)

// NewRootCmd builds the dtx command tree reading its settings through v.
func NewRootCmd(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:   "dtx",
		Short: "distributed transaction coordinator",
		Long: fmt.Sprintf(`dtx (v%s)

Multi-document transactions over a replicated document store, with per write
durability levels, per operation timeouts and a cleanup sweeper that finishes
transactions whose client went away.`, dtx.Version),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := v.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			dtx.ConfigureLogging()
			if lvl := v.GetString("log-level"); lvl != "" {
				dtx.SetLogLevel(dtx.ParseLogLevel(lvl))
			}
			return nil
		},
	}
	root.PersistentFlags().String("log-level", "", WrapString("Level at which logs are written (debug, info, warn, error); defaults to DTX_LOG_LEVEL or info"))
	addConfigurationFlags(root)
	addBackendFlags(root)

	root.AddCommand(newServeCmd(v))
	root.AddCommand(newSweepCmd(v))
	root.AddCommand(newConfigCmd(v))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number of dtx",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dtx v%s\n", dtx.Version)
		},
	})
	return root
}

// NewViper returns a viper reading DTX_* environment variables, after
// loading .env and .env.local from the working directory if present.
func NewViper() *viper.Viper {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v := viper.New()
	v.SetEnvPrefix("dtx")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Execute runs the command line. This is called by main.main().
func Execute() {
	if err := NewRootCmd(NewViper()).Execute(); err != nil {
		os.Exit(1)
	}
}
