package cmd

import (
	"context"
	"fmt"

	"github.com/julienar/ixcharged/internal/charger"
	"github.com/julienar/ixcharged/internal/ixapi"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and the API credentials",
	Long: `Check the configuration file and try the configured API key and serial
number against the cloud API, without starting the service.`,
	Args: cobra.NoArgs,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := CreateLoggerFromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	client := newAPIClient(cfg, cfg.Device.APIKey, logger)

	ctx, cancel := context.WithTimeout(cmd.Context(), cfg.API.Timeout)
	defer cancel()

	if _, err := client.ValidateConnection(ctx); err != nil {
		reason := ixapi.SetupReason(err)
		logger.Debug("Validation failed", zap.String("reason", reason), zap.Error(err))
		return fmt.Errorf("validation failed (%s): %w", reason, err)
	}

	cable := charger.ResolveCable(cfg.Device.CableType)
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Connected to charger %s (%s)\n", cfg.Device.SerialNumber, cfg.Device.DisplayName)
	fmt.Fprintf(cmd.OutOrStdout(), "  Cable: %s, max %dA\n", cable.Name, cable.MaxCurrentAmps)
	return nil
}
