package cmd

import (
	"context"
	"errors"
	"fmt"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sharedcode/dtx"
	"github.com/sharedcode/dtx/cleanup"
)

func newSweepCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Resolve abandoned transactions",
		Long: `Run one cleanup cycle against the configured stores and print how many
transactions were resolved. With --watch, keep sweeping every half cleanup
window until interrupted.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return sweep(ctx, cmd, v)
		},
	}
	f := cmd.Flags()
	f.Bool("watch", false, WrapString("Keep sweeping until interrupted"))
	f.String("sweeper-id", "", WrapString("Name of the sweeper in the records it claims, defaults to hostname and a random suffix"))
	return cmd
}

func newSweeper(v *viper.Viper, cfg dtx.Configuration, b *Backend) (*cleanup.Sweeper, error) {
	opts := []cleanup.Option{
		cleanup.WithID(v.GetString("sweeper-id")),
		cleanup.WithLocker(b.Locker),
	}
	if b.Archiver != nil {
		opts = append(opts, cleanup.WithArchiver(b.Archiver))
	}
	return cleanup.NewSweeper(cfg, b.Records, b.Docs, opts...)
}

func sweep(ctx context.Context, cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := LoadConfiguration(v)
	if err != nil {
		return err
	}
	b, err := OpenBackend(ctx, v)
	if err != nil {
		return err
	}
	defer func() {
		if err := b.Close(); err != nil {
			log.Warn("closing backend", "error", err)
		}
	}()
	s, err := newSweeper(v, cfg, b)
	if err != nil {
		return err
	}
	if v.GetBool("watch") {
		if err := s.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
	n, err := s.Sweep(ctx, dtx.Now())
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "sweeper %s resolved %d transaction(s)\n", s.ID(), n)
	return nil
}
