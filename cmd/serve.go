package cmd

import (
	"context"
	"errors"
	log "log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/sharedcode/dtx/cleanup"
	"github.com/sharedcode/dtx/restapi"
	"github.com/sharedcode/dtx/transaction"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the REST API over a transaction coordinator",
		Long: `Start the REST API. Transactions begun through it are coordinated by this
process; unless --sweeper=false a cleanup sweeper runs alongside and finishes
the transactions this process or others left behind.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, v)
		},
	}
	f := cmd.Flags()
	f.String("endpoint", "localhost:8080", WrapString("Address the REST API listens on"))
	f.Bool("sweeper", true, WrapString("Run a cleanup sweeper in this process"))
	f.String("sweeper-id", "", WrapString("Name of the sweeper in the records it claims, defaults to hostname and a random suffix"))
	f.Duration("shutdown-timeout", 10*time.Second, WrapString("Time in flight requests get to finish on shutdown"))
	return cmd
}

func serve(ctx context.Context, v *viper.Viper) error {
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

	var (
		sweeper   *cleanup.Sweeper
		coordOpts []transaction.Option
		srvOpts   []restapi.Option
	)
	if v.GetBool("sweeper") {
		sweeper, err = newSweeper(v, cfg, b)
		if err != nil {
			return err
		}
		coordOpts = append(coordOpts, transaction.WithAbandonedHandler(sweeper.Enqueue))
		srvOpts = append(srvOpts, restapi.WithSweeper(sweeper))
	}
	coord, err := transaction.NewCoordinator(cfg, b.Records, b.Docs, coordOpts...)
	if err != nil {
		return err
	}
	srv, err := restapi.NewServer(coord, srvOpts...)
	if err != nil {
		return err
	}

	eg, ctx := errgroup.WithContext(ctx)
	if sweeper != nil {
		eg.Go(func() error {
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	eg.Go(func() error {
		return srv.ListenAndServe(ctx, v.GetString("endpoint"), v.GetDuration("shutdown-timeout"))
	})
	return eg.Wait()
}
