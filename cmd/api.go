package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/eduwallet/services/partners/internal/api"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API serving partner webhooks, the partner REST API and admin endpoints`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, "partners-api")
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg, api.Dependencies{
		Ledger:     a.ledger,
		Processor:  a.processor,
		Dispatcher: a.dispatcher,
		Registry:   a.registry,
		Catalog:    a.catalog,
		Verifier:   a.verifier,
		Tokens:     a.tokens,
		Cache:      a.cache,
		Elastic:    a.elastic,
		Tracer:     a.tracer,
		Metrics:    a.metrics,
	})

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	log.Info().Msg("Shutting down API server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}
	return nil
}
