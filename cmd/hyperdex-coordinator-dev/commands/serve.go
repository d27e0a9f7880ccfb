package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dreamware/hyperdex/internal/testcoordinator"
)

func runServe(cmd *cobra.Command, args []string) error {
	topologyPath := v.GetString("topology")
	if topologyPath == "" {
		return fmt.Errorf("hyperdex-coordinator-dev: --topology is required")
	}
	tf, err := loadTopology(topologyPath)
	if err != nil {
		return err
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	c := testcoordinator.New(log)
	if err := populate(c, tf); err != nil {
		return err
	}

	if err := c.Listen(v.GetString("listen")); err != nil {
		return err
	}
	defer c.Close()

	log.Info("serving topology", "addr", c.Addr(), "hosts", len(tf.Hosts), "spaces", len(tf.Spaces), "regions", len(tf.Regions))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Info("shutdown signal received")
		cancel()
	}()

	go watchFailures(ctx, log, c)

	return c.Serve(ctx)
}

// watchFailures logs fail_location/fail_transfer reports as they arrive, so
// a developer running this tool against real daemons can see peer failures
// without attaching a debugger.
func watchFailures(ctx context.Context, log *slog.Logger, c *testcoordinator.Coordinator) {
	locs := c.FailedLocations()
	xfers := c.FailedTransfers()
	for {
		select {
		case <-ctx.Done():
			return
		case inst := <-locs:
			log.Warn("peer reported unreachable location", "instance", inst.String())
		case id := <-xfers:
			log.Warn("peer reported failed transfer", "xfer_id", id)
		}
	}
}
