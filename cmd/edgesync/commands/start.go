package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/api"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/config"
	"github.com/edgewire/edgesync/pkg/endpoint"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/extension/configuration"
	"github.com/edgewire/edgesync/pkg/extension/logupload"
	logbadger "github.com/edgewire/edgesync/pkg/extension/logupload/badger"
	"github.com/edgewire/edgesync/pkg/failover"
	"github.com/edgewire/edgesync/pkg/keys"
	"github.com/edgewire/edgesync/pkg/metrics"
	"github.com/edgewire/edgesync/pkg/transport/httpchan"
)

var startProfile string

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the sync agent",
	Long: `Start the EdgeSync agent: load the endpoint status, bring up the
transport channels, perform the bootstrap sync and keep the endpoint in sync
until interrupted.`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().StringVar(&startProfile, "profile", "", "path to a profile blob reported to the server (default: generated device profile)")
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("%w: %v", errBadConfig, err)
	}

	if err := logger.Init(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	}); err != nil {
		return fmt.Errorf("%w: %v", errBadConfig, err)
	}
	logger.Info("edgesync agent starting", "version", Version)

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
	}

	ep, err := buildEndpoint(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := ep.Close(); err != nil {
			logger.Error("endpoint teardown failed", logger.KeyError, err)
		}
	}()

	profileBody, err := loadProfile()
	if err != nil {
		return err
	}
	if err := ep.SetProfile(profileBody); err != nil {
		return err
	}

	if err := ep.Start(); err != nil {
		logger.Error("initial bootstrap sync failed, failover will retry", logger.KeyError, err)
	}

	var apiServer *api.Server
	apiDone := make(chan error, 1)
	if cfg.API.Enabled {
		apiServer = api.NewServer(api.Config{Port: cfg.API.Port}, ep)
		go func() { apiDone <- apiServer.Start() }()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	logger.Info("agent is running, press Ctrl+C to stop")
	for {
		select {
		case <-sigChan:
			logger.Info("shutdown signal received")
			if apiServer != nil {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := apiServer.Shutdown(ctx); err != nil {
					logger.Warn("api server shutdown failed", logger.KeyError, err)
				}
				cancel()
			}
			return nil

		case err := <-apiDone:
			if err != nil {
				return err
			}

		case <-ticker.C:
			if ep.FailureSink().Stopped() {
				return fmt.Errorf("%w: failover strategy exhausted", errConnectivity)
			}
		}
	}
}

// buildEndpoint wires the SDK from the agent configuration: status and key
// material under the state dir, log storage, and one HTTP channel per server
// pool.
func buildEndpoint(cfg *config.Config) (*endpoint.Client, error) {
	bootstrapServers := make([]channel.AccessPoint, 0, len(cfg.BootstrapServers))
	for _, s := range cfg.BootstrapServers {
		bootstrapServers = append(bootstrapServers, channel.AccessPoint{
			ID:         s.ID,
			ProtocolID: httpchan.TransportProtocolID,
			Kind:       channel.ServerBootstrap,
			Host:       s.Host,
			Port:       s.Port,
		})
	}

	var logStorage logupload.Storage
	if cfg.LogUpload.Storage == "badger" {
		var err error
		logStorage, err = logbadger.Open(cfg.LogStoragePath())
		if err != nil {
			return nil, err
		}
	}

	ep, err := endpoint.New(endpoint.Config{
		AppToken:                 cfg.AppToken,
		StatusPath:               cfg.StatusPath(),
		KeyProvider:              &keys.FileProvider{Path: cfg.KeyPath()},
		BootstrapServers:         bootstrapServers,
		ConfigurationPersistence: &configuration.FilePersistence{Path: cfg.ConfigurationPath()},
		LogStorage:               logStorage,
		LogUploadStrategy: &logupload.DefaultStrategy{
			CountThreshold:  cfg.LogUpload.CountThreshold,
			VolumeThreshold: int64(cfg.LogUpload.VolumeThreshold),
			BlockRecords:    logupload.DefaultBlockRecords,
			BlockBytes:      cfg.LogUpload.BlockBytes,
		},
		Failover: failover.Config{
			RetriesPerServer:  cfg.Failover.RetriesPerServer,
			RotationsPerCycle: cfg.Failover.RotationsPerCycle,
			InitialRetryDelay: cfg.Failover.InitialRetryDelay,
			MaxRetryDelay:     cfg.Failover.MaxRetryDelay,
		},
		SyncTimeout: cfg.Sync.RequestTimeout,
		Features: endpoint.Features{
			DisableEvents:        cfg.Features.DisableEvents,
			DisableNotifications: cfg.Features.DisableNotifications,
			DisableLogging:       cfg.Features.DisableLogging,
			DisableConfiguration: cfg.Features.DisableConfiguration,
		},
	})
	if err != nil {
		return nil, err
	}

	sink := ep.FailureSink()
	onFailure := func(ch channel.Channel, ap channel.AccessPoint, reason failover.Reason) {
		sink.OnChannelFailure(ch, ap, reason)
	}
	onSuccess := sink.OnChannelSuccess

	bootstrapChannel, err := httpchan.New(httpchan.Config{
		ID:             "http-bootstrap",
		Types:          []extension.Type{extension.TypeBootstrap},
		RequestTimeout: cfg.Sync.RequestTimeout,
		OnFailure:      onFailure,
		OnSuccess:      onSuccess,
	})
	if err != nil {
		return nil, err
	}

	opsTypes := []extension.Type{extension.TypeProfile, extension.TypeUser}
	if !cfg.Features.DisableEvents {
		opsTypes = append(opsTypes, extension.TypeEvent)
	}
	if !cfg.Features.DisableNotifications {
		opsTypes = append(opsTypes, extension.TypeNotification)
	}
	if !cfg.Features.DisableLogging {
		opsTypes = append(opsTypes, extension.TypeLogging)
	}
	if !cfg.Features.DisableConfiguration {
		opsTypes = append(opsTypes, extension.TypeConfiguration)
	}
	operationsChannel, err := httpchan.New(httpchan.Config{
		ID:             "http-operations",
		Types:          opsTypes,
		RequestTimeout: cfg.Sync.RequestTimeout,
		OnFailure:      onFailure,
		OnSuccess:      onSuccess,
	})
	if err != nil {
		return nil, err
	}

	if err := ep.AddChannel(bootstrapChannel); err != nil {
		return nil, err
	}
	if err := ep.AddChannel(operationsChannel); err != nil {
		return nil, err
	}
	return ep, nil
}

// loadProfile reads the profile blob from the --profile flag, or generates a
// minimal device profile.
func loadProfile() ([]byte, error) {
	if startProfile != "" {
		return os.ReadFile(startProfile)
	}
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return json.Marshal(map[string]string{
		"hostname": hostname,
		"os":       "linux",
		"agent":    "edgesync/" + Version,
	})
}
