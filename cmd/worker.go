package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long: `Start the background worker that delivers queued partner notifications from
Azure Service Bus, retries certificate issuance and purges expired audit records`,
	RunE: runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, "partners-worker")
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	if a.bus != nil {
		g.Go(func() error {
			log.Info().Str("queue", cfg.Azure.QueueName).Msg("Starting notification consumer")
			return a.bus.ProcessMessages(ctx, a.dispatcher.HandleMessage)
		})
	} else {
		log.Info().Msg("No Service Bus configured, notifications are delivered by the API process")
	}

	g.Go(func() error {
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return errors.Wrap(err, "failed to create scheduler")
		}

		batch := cfg.Worker.CertificateBatchSize
		jobs := []struct {
			name     string
			interval time.Duration
			run      func()
		}{
			{"certificate-sweep", cfg.Worker.CertificateSweepInterval, func() {
				issued, failed, err := a.ledger.RetryCertificates(ctx, batch)
				if err != nil {
					log.Error().Err(err).Msg("Certificate retry sweep failed")
					return
				}
				if issued+failed > 0 {
					log.Info().Int("issued", issued).Int("failed", failed).Msg("Certificate retry sweep finished")
				}
			}},
			{"stale-claim-release", cfg.Certificates.StaleClaimAfter, func() {
				released, err := a.ledger.ReleaseStaleClaims(ctx, cfg.Certificates.StaleClaimAfter)
				if err != nil {
					log.Error().Err(err).Msg("Failed to release stale certificate claims")
					return
				}
				if released > 0 {
					log.Warn().Int64("released", released).Msg("Released stale certificate claims")
				}
			}},
			{"retention-purge", cfg.Worker.RetentionInterval, func() {
				events, receipts, err := a.ledger.PurgeExpired(ctx)
				if err != nil {
					log.Error().Err(err).Msg("Retention purge failed")
					return
				}
				log.Info().Int64("change_events", events).Int64("receipts", receipts).Msg("Retention purge finished")
			}},
		}

		for _, job := range jobs {
			if job.interval <= 0 {
				log.Warn().Str("job", job.name).Msg("Job interval not set, job disabled")
				continue
			}
			_, err := scheduler.NewJob(
				gocron.DurationJob(job.interval),
				gocron.NewTask(job.run),
				gocron.WithName(job.name),
				gocron.WithSingletonMode(gocron.LimitModeReschedule),
			)
			if err != nil {
				return errors.Wrapf(err, "failed to schedule %s", job.name)
			}
			log.Info().Str("job", job.name).Dur("interval", job.interval).Msg("Scheduled job")
		}

		scheduler.Start()
		<-ctx.Done()
		return scheduler.Shutdown()
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}
