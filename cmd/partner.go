package cmd

import (
	"encoding/json"

	"example.com/eduwallet/services/partners/internal/services"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var onboardInput services.OnboardInput

var partnerCmd = &cobra.Command{
	Use:   "partner",
	Short: "Manage integrated partners",
	Long:  `Onboard partners, rotate their credentials and toggle their status.`,
}

var onboardPartnerCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Onboard a new partner",
	Long: `Onboard a new partner and print its credentials. The API key and webhook
secret are shown once and cannot be recovered afterwards.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(r *services.Registry) (interface{}, error) {
			return r.Onboard(cmd.Context(), onboardInput)
		})
	},
}

var listPartnersCmd = &cobra.Command{
	Use:   "list",
	Short: "List all partners",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(cmd, func(r *services.Registry) (interface{}, error) {
			return r.List(cmd.Context())
		})
	},
}

var rotateSecretCmd = &cobra.Command{
	Use:   "rotate-secret [partner-id]",
	Short: "Generate a new webhook signing secret",
	Args:  cobra.ExactArgs(1),
	RunE: partnerAction(func(cmd *cobra.Command, r *services.Registry, id uuid.UUID) (interface{}, error) {
		return r.RotateSecret(cmd.Context(), id)
	}),
}

var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key [partner-id]",
	Short: "Generate a new API key",
	Args:  cobra.ExactArgs(1),
	RunE: partnerAction(func(cmd *cobra.Command, r *services.Registry, id uuid.UUID) (interface{}, error) {
		return r.RotateAPIKey(cmd.Context(), id)
	}),
}

var activatePartnerCmd = &cobra.Command{
	Use:   "activate [partner-id]",
	Short: "Allow a partner to authenticate",
	Args:  cobra.ExactArgs(1),
	RunE: partnerAction(func(cmd *cobra.Command, r *services.Registry, id uuid.UUID) (interface{}, error) {
		return r.Activate(cmd.Context(), id)
	}),
}

var deactivatePartnerCmd = &cobra.Command{
	Use:   "deactivate [partner-id]",
	Short: "Reject a partner's API key and webhook signatures",
	Args:  cobra.ExactArgs(1),
	RunE: partnerAction(func(cmd *cobra.Command, r *services.Registry, id uuid.UUID) (interface{}, error) {
		return r.Deactivate(cmd.Context(), id)
	}),
}

func init() {
	rootCmd.AddCommand(partnerCmd)
	partnerCmd.AddCommand(onboardPartnerCmd, listPartnersCmd, rotateSecretCmd, rotateKeyCmd, activatePartnerCmd, deactivatePartnerCmd)

	flags := onboardPartnerCmd.Flags()
	flags.StringVarP(&onboardInput.Name, "name", "n", "", "Display name of the partner (required)")
	flags.StringVarP(&onboardInput.Domain, "domain", "d", "", "Domain the partner hosts courses on (required)")
	flags.StringVar(&onboardInput.CourseAccessURL, "course-access-url", "", "Endpoint notified of new enrollments and access links")
	flags.StringVar(&onboardInput.ProgressURL, "progress-url", "", "Endpoint notified of progress changes")
	flags.StringVar(&onboardInput.CompletionURL, "completion-url", "", "Endpoint notified of completions and certificates")
	flags.IntVar(&onboardInput.RateLimitPerMinute, "rate-limit", 0, "API requests allowed per minute, 0 for unlimited")
	_ = onboardPartnerCmd.MarkFlagRequired("name")
	_ = onboardPartnerCmd.MarkFlagRequired("domain")
}

func partnerAction(fn func(cmd *cobra.Command, r *services.Registry, id uuid.UUID) (interface{}, error)) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return errors.Wrapf(err, "invalid partner id %q", args[0])
		}
		return withRegistry(cmd, func(r *services.Registry) (interface{}, error) {
			return fn(cmd, r, id)
		})
	}
}

func withRegistry(cmd *cobra.Command, fn func(r *services.Registry) (interface{}, error)) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	a, err := newApp(cfg, "partners-cli")
	if err != nil {
		return err
	}
	defer a.Close()

	out, err := fn(a.registry)
	if err != nil {
		return err
	}
	return printJSON(cmd, out)
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
