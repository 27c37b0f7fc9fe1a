package serve

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kfsoftware/proxypool/pkg/admin"
	"github.com/kfsoftware/proxypool/pkg/config"
	"github.com/kfsoftware/proxypool/pkg/db"
	"github.com/kfsoftware/proxypool/pkg/tunnel"
	"github.com/kfsoftware/proxypool/pkg/worker"
)

type serveCmd struct {
	configPath string
}

func (c *serveCmd) run() error {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	os.Setenv("TZ", "UTC")

	store, err := db.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	if err := store.EnsurePorts(cfg.Ports.Numbers); err != nil {
		return err
	}
	// The forward registry is process-local, so nothing recorded as
	// assigned can have a live tunnel behind it anymore.
	if err := store.ReleaseAllPorts(); err != nil {
		return err
	}

	manager := tunnel.NewManager(tunnel.Config{
		ConnectTimeout: cfg.SSH.ConnectTimeout(),
		LoginTimeout:   cfg.SSH.LoginTimeout(),
		CandidatePorts: cfg.SSH.CandidatePorts,
		IPCheckURL:     cfg.SSH.IPCheckURL,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	checker := worker.NewCredentialChecker(store, manager, cfg.SSH.Workers)
	ports := worker.NewPortManager(store, manager, worker.PortOptions{
		Workers:     cfg.Ports.Workers,
		Unique:      cfg.Ports.UniqueCredentials,
		Rotate:      cfg.Ports.AutoRotate,
		RotateAfter: cfg.Ports.RotateInterval(),
	})
	go checker.Run(ctx)
	go ports.Run(ctx)

	adminServer := &http.Server{
		Addr:    cfg.Admin.Listen,
		Handler: admin.NewServer(store, manager).Handler(),
	}
	go func() {
		log.Info().Msgf("admin api listening on %s", cfg.Admin.Listen)
		if err := adminServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Msgf("admin api stopped: %v", err)
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := adminServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Msgf("admin api shutdown: %v", err)
	}
	manager.Shutdown()
	return nil
}

func NewServeCmd() *cobra.Command {
	c := &serveCmd{}
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the proxy pool",
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.run()
		},
	}
	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringVarP(&c.configPath, "config", "c", "proxypool.yaml", "Path to the config file")
	return cmd
}
