package cmd

import (
	"fmt"

	"example.com/eduwallet/services/partners/internal/repositories"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	repairPartnerID string
	repairApply     bool
)

var repairLinksCmd = &cobra.Command{
	Use:   "repair-links",
	Short: "Rebuild stored access links",
	Long: `Recompute every enrollment's access link from its partner's domain and
course mirror and report the ones that differ. Links are only rewritten when
--apply is given.`,
	RunE: runRepairLinks,
}

func init() {
	rootCmd.AddCommand(repairLinksCmd)
	repairLinksCmd.Flags().StringVar(&repairPartnerID, "partner", "", "Only repair enrollments of this partner")
	repairLinksCmd.Flags().BoolVar(&repairApply, "apply", false, "Write the rebuilt links instead of reporting them")
}

func runRepairLinks(cmd *cobra.Command, args []string) error {
	var filter repositories.EnrollmentFilter
	if repairPartnerID != "" {
		id, err := uuid.Parse(repairPartnerID)
		if err != nil {
			return errors.Wrapf(err, "invalid partner id %q", repairPartnerID)
		}
		filter.SellerID = id
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, "partners-cli")
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	filter.Limit = 200

	var scanned, stale, repaired int
	for {
		page, _, err := a.store.ListEnrollments(ctx, filter)
		if err != nil {
			return err
		}

		for _, e := range page {
			scanned++
			link, err := a.ledger.PreviewAccessLink(ctx, e)
			if err != nil {
				log.Warn().Err(err).Str("enrollment_id", e.ID.String()).Msg("Cannot rebuild access link")
				continue
			}
			if link == e.AccessLink {
				continue
			}

			stale++
			fmt.Fprintf(out, "%s\n  - %s\n  + %s\n", e.ID, e.AccessLink, link)
			if !repairApply {
				continue
			}
			if _, _, err := a.ledger.RefreshAccessLink(ctx, e.ID, nil); err != nil {
				log.Error().Err(err).Str("enrollment_id", e.ID.String()).Msg("Failed to repair access link")
				continue
			}
			repaired++
		}

		if len(page) < filter.Limit {
			break
		}
		filter.Offset += len(page)
	}

	log.Info().Int("scanned", scanned).Int("stale", stale).Int("repaired", repaired).Bool("applied", repairApply).Msg("Access link repair finished")
	return nil
}
