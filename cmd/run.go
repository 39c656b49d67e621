package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/julienar/ixcharged/internal/api"
	"github.com/julienar/ixcharged/internal/charger"
	"github.com/julienar/ixcharged/internal/config"
	"github.com/julienar/ixcharged/internal/ixapi"
	"github.com/julienar/ixcharged/internal/metrics"
	"github.com/julienar/ixcharged/internal/mqtt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/DataDog/dd-trace-go.v1/ddtrace/tracer"
)

// setupRetryInterval paces setup attempts while the cloud is unreachable
const setupRetryInterval = 30 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the charger bridge service",
	Long: `Start the bridge and begin polling the configured charger.

The service will:
- Validate the API key and serial number against the cloud API
- Poll all charger properties periodically
- Publish state and accept commands over MQTT (if enabled)
- Accept control commands via the local HTTP API and the CLI
- Pick up API key and cable type changes from the config file`,
	RunE: runService,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func newAPIClient(cfg *config.Config, apiKey string, logger *zap.Logger) *ixapi.Client {
	return ixapi.NewClient(apiKey, cfg.Device.SerialNumber,
		ixapi.WithBaseURL(cfg.API.BaseURL),
		ixapi.WithTimeout(cfg.API.Timeout),
		ixapi.WithLogger(logger.Named("ixapi")),
	)
}

func runService(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Create logger from config
	logger, err := CreateLoggerFromConfig(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	// Initialize Datadog tracing if enabled
	if cfg.Datadog.Enabled {
		tracer.Start(
			tracer.WithService(cfg.Datadog.ServiceName),
			tracer.WithEnv(cfg.Datadog.Environment),
			tracer.WithAgentAddr(fmt.Sprintf("%s:%d", cfg.Datadog.AgentHost, cfg.Datadog.AgentPort)),
		)
		defer tracer.Stop()
		logger.Info("Datadog tracing initialized",
			zap.String("service", cfg.Datadog.ServiceName),
			zap.String("environment", cfg.Datadog.Environment),
		)
	}

	logger.Info("Starting ixcharged")
	logger.Info("Configuration loaded",
		zap.String("serial", cfg.Device.SerialNumber),
		zap.String("cable_type", cfg.Device.CableType),
		zap.Duration("poll_interval", cfg.Polling.Interval),
		zap.Bool("mqtt_enabled", cfg.MQTT.Enabled),
		zap.Bool("metrics_enabled", cfg.Metrics.Enabled),
		zap.Bool("datadog_enabled", cfg.Datadog.Enabled),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := []charger.ServiceOption{
		charger.WithPollInterval(cfg.Polling.Interval),
		charger.WithReconcileDelays(cfg.Polling.SwitchSettle, cfg.Polling.NumberSettle),
		charger.WithValidatorFactory(func(apiKey string) charger.ConnectionValidator {
			return newAPIClient(cfg, apiKey, logger)
		}),
	}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector = metrics.NewCollector()
		opts = append(opts, charger.WithRecorder(collector))
	}

	service := charger.NewService(charger.Identity{
		SerialNumber: cfg.Device.SerialNumber,
		DisplayName:  cfg.Device.DisplayName,
		CableType:    cfg.Device.CableType,
	}, newAPIClient(cfg, cfg.Device.APIKey, logger), logger.Named("charger"), opts...)

	if err := setupWithRetry(ctx, service, logger); err != nil {
		return err
	}
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
		return nil
	}

	// Initialize MQTT handler if enabled
	if cfg.MQTT.Enabled {
		mqttHandler, err := mqtt.NewMqttHandler(mqtt.Settings{
			Broker:      cfg.MQTT.Broker,
			Port:        cfg.MQTT.Port,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			ClientID:    cfg.MQTT.ClientID,
			TopicPrefix: cfg.MQTT.TopicPrefix,
		}, service.SerialNumber(), logger.Named("mqtt"))
		if err != nil {
			return fmt.Errorf("failed to initialize MQTT handler: %w", err)
		}
		defer mqttHandler.Close()

		if err := mqttHandler.Start(service); err != nil {
			return fmt.Errorf("failed to start MQTT handler: %w", err)
		}
	}

	if collector != nil {
		collector.Track(service)
	}

	// Live updates from the config file: options and reauthentication paths
	if err := config.Watch(cfgFile, logger.Named("config"), func(old, updated *config.Config) {
		changes := config.Diff(old, updated)
		if changes.CableType {
			service.UpdateCableType(updated.Device.CableType)
		}
		if changes.APIKey {
			if err := service.Reauthenticate(ctx, updated.Device.APIKey); err != nil {
				logger.Error("Reauthentication failed, keeping previous API key", zap.Error(err))
			}
		}
	}); err != nil {
		logger.Warn("Config reload disabled", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return service.Run(gctx)
	})

	apiAddr := fmt.Sprintf("localhost:%d", cfg.Network.APIPort)
	apiServer := api.NewServer(service, logger.Named("api"), apiAddr, cfg.Network.Auth)
	g.Go(func() error {
		return apiServer.Start(gctx)
	})

	if collector != nil {
		metricsAddr := fmt.Sprintf(":%d", cfg.Metrics.Port)
		g.Go(func() error {
			return collector.Serve(gctx, metricsAddr, logger.Named("metrics"))
		})
	}

	logger.Info("ixcharged is running. Press Ctrl+C to stop.")
	logger.Info("API server listening", zap.String("url", fmt.Sprintf("http://%s", apiAddr)))

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}

	logger.Info("ixcharged stopped")
	return err
}

// setupWithRetry sets the charger up, retrying while the cloud API cannot be
// reached. Authentication and lookup failures need operator action and are
// returned.
func setupWithRetry(ctx context.Context, service *charger.Service, logger *zap.Logger) error {
	for {
		err := service.Setup(ctx)
		if err == nil {
			return nil
		}

		var setupErr *charger.SetupError
		if !errors.As(err, &setupErr) || setupErr.Reason != ixapi.ReasonCannotConnect {
			return fmt.Errorf("failed to set up charger: %w", err)
		}

		logger.Warn("Charger not ready, retrying",
			zap.Duration("retry_in", setupRetryInterval),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(setupRetryInterval):
		}
	}
}
