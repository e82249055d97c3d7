package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"go-replicate-studio/internal/database"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Delete generated images older than the retention window",
	Long: `Deletes expired generated images from the store and the prompt index.
Bucket items and packs are never swept. With --watch the sweep repeats every
SweepIntervalSec seconds until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		watch, _ := cmd.Flags().GetBool("watch")

		env, err := openEnv()
		if err != nil {
			return err
		}
		defer env.Close()

		if !watch {
			// openEnv already swept once; this catches anything that expired since.
			ids, err := env.store.Sweep(time.Now())
			if err != nil {
				return err
			}
			env.unindex(ids)
			images, bucket, packs, err := env.store.Counts()
			if err != nil {
				return err
			}
			fmt.Printf("Sweep complete. %d image(s), %d bucket item(s), %d pack(s) remain.\n", images, bucket, packs)
			return nil
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		interval := time.Duration(globalConfig.SweepIntervalSec) * time.Second
		log.Infof("Sweeping every %s, retention %s. Press Ctrl+C to stop.", interval, env.store.Retention())
		database.RunSweeper(ctx, env.store, interval, env.unindex)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the studio proxy",
	Long: `Serves the proxy routes other clients use to reach Replicate:
  POST /api/replicate   submit, poll and cancel predictions
  POST /api/telemetry   store job telemetry records
  GET  /api/pexels      search reference photos
  GET  /health`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = globalConfig.ServeAddr
		}
		origins, _ := cmd.Flags().GetStringSlice("allowed-origins")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return serveProxy(ctx, addr, origins)
	},
}

func init() {
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(serveCmd)

	sweepCmd.Flags().BoolP("watch", "w", false, "Keep sweeping until interrupted")
	serveCmd.Flags().String("addr", "", "Listen address (default ServeAddr from config)")
	serveCmd.Flags().StringSlice("allowed-origins", nil, "CORS origins allowed to call the proxy (default any)")
}

// serveProxy runs the proxy with the telemetry store until ctx ends.
func serveProxy(ctx context.Context, addr string, origins []string) error {
	srv, store, err := newProxyServer(origins)
	if err != nil {
		return err
	}
	if store != nil {
		defer store.Close()
	}
	return srv.ListenAndServe(ctx, addr)
}
