package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nanopk/nanogate/alias"
	"github.com/nanopk/nanogate/config"
	"github.com/nanopk/nanogate/dispatch"
	"github.com/nanopk/nanogate/logger"
	"github.com/nanopk/nanogate/monitor"
	"github.com/nanopk/nanogate/mqtt"
	"github.com/nanopk/nanogate/telnet"
	"github.com/nanopk/nanogate/web"
)

const shutdownTimeout = 5 * time.Second

func newRunCmd() *cobra.Command {
	var configPath string

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runGateway(cmd.Context(), configPath)
		},
	}

	runCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the configuration file")

	return runCmd
}

func runGateway(parent context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg)

	table, channels, err := alias.Load(cfg.AliasFile)
	if err != nil {
		return err
	}

	log.Info("alias table loaded", "aliases", table.Len(), "channels", len(channels))

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	connCfg, err := telnet.NewConnectionConfig(cfg.Device.Host, cfg.Device.Port,
		telnet.WithLineTerminator(cfg.Device.LineTerminator),
		telnet.WithTelemetryPrefix(cfg.Device.TelemetryPrefix),
		telnet.WithConnectTimeout(cfg.Device.ConnectTimeout),
		telnet.WithWriteTimeout(cfg.Device.WriteTimeout),
		telnet.WithDrainTimeout(cfg.Device.DrainTimeout),
		telnet.WithKeepAlive(cfg.Device.KeepAlive),
		telnet.WithRetryBaseDelay(cfg.Device.RetryBaseDelay),
		telnet.WithRetryMaxDelay(cfg.Device.RetryMaxDelay),
		telnet.WithRetryMaxAttempts(cfg.Device.RetryMaxAttempts),
		telnet.WithReconnectWait(cfg.Device.ReconnectWait),
		telnet.WithLogger(log.With("component", "telnet")),
	)
	if err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	conn, err := telnet.NewConnection(ctx, connCfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}

	dispatcher := dispatch.New(conn, table,
		dispatch.WithReplyTimeout(cfg.Dispatch.ReplyTimeout),
		dispatch.WithQueueSize(cfg.Dispatch.QueueSize),
		dispatch.WithLogger(log.With("component", "dispatch")),
	)

	var (
		mqttClient *mqtt.Client
		mon        *monitor.Monitor
	)
	if cfg.MQTT.Broker != "" {
		mqttClient = mqtt.NewClient(mqtt.Config{
			Broker:          cfg.MQTT.Broker,
			Port:            cfg.MQTT.Port,
			Username:        cfg.MQTT.Username,
			Password:        cfg.MQTT.Password,
			ClientID:        cfg.MQTT.ClientID,
			BaseTopic:       cfg.MQTT.BaseTopic,
			QoS:             byte(cfg.MQTT.QoS),
			Retain:          cfg.MQTT.Retain,
			DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
			DeviceName:      cfg.MQTT.DeviceName,
			CommandTimeout:  cfg.MQTT.CommandTimeout,
		}, dispatcher, channels, log.With("component", "mqtt"))

		mon = monitor.New(channels, mqttClient,
			monitor.WithFloatEpsilon(cfg.FloatEpsilon),
			monitor.WithLogger(log.With("component", "monitor")),
		)

		conn.SetTelemetryHandler(mon.HandleLine)
		conn.AddConnStateChangeHandler(func(_ *telnet.Connection, _, newState telnet.ConnState) {
			switch {
			case newState.IsConnected():
				mqttClient.PublishAvailability(true)
				// Retained values may be stale after an outage, publish the
				// next full frame unconditionally.
				mon.Reset()
			case newState.IsDisconnected():
				mqttClient.PublishAvailability(false)
			}
		})
	}

	if err := dispatcher.Start(ctx); err != nil {
		return fmt.Errorf("start dispatcher: %w", err)
	}

	// The monitor worker keeps slow broker publishes off the session's
	// receiver goroutine.
	if mon != nil {
		if err := mon.Start(ctx); err != nil {
			dispatcher.Stop()
			return fmt.Errorf("start monitor: %w", err)
		}
	}

	// The device may be down at startup; the session keeps retrying in the
	// background while the fronts serve errors.
	if err := conn.Open(false); err != nil {
		dispatcher.Stop()
		if mon != nil {
			mon.Stop()
		}
		return fmt.Errorf("open session: %w", err)
	}

	if mqttClient != nil {
		if err := mqttClient.Start(); err != nil {
			log.Error("mqtt start failed", "error", err)
			conn.Close()
			dispatcher.Stop()
			mon.Stop()
			return err
		}
	}

	var (
		webServer *web.Server
		webErrCh  <-chan error
	)
	if cfg.Web.Addr != "" {
		webServer = web.NewServer(cfg.Web.Addr, dispatcher, conn, log.With("component", "web"))
		webErrCh = webServer.Start()
	}

	log.Info("gateway started",
		"device", fmt.Sprintf("%s:%d", cfg.Device.Host, cfg.Device.Port),
		"mqtt", cfg.MQTT.Broker != "",
		"web", cfg.Web.Addr,
	)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
	case err, ok := <-webErrCh:
		if ok && err != nil {
			log.Error("http server failed", "error", err)
			runErr = err
		}
	}

	stop()

	if webServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		if err := webServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("http server shutdown", "error", err)
		}
		cancel()
	}

	dispatcher.Stop()

	if mqttClient != nil {
		mqttClient.Stop()
	}

	if err := conn.Close(); err != nil {
		log.Warn("session close", "error", err)
	}

	if mon != nil {
		mon.Stop()
	}

	log.Info("gateway stopped")

	return runErr
}

func newLogger(cfg *config.Config) logger.Logger {
	level := logger.ParseLevel(cfg.Log.Level)

	var opts []logger.SlogOption
	if cfg.Log.File.Path != "" {
		opts = append(opts, logger.WithRotatingFile(
			cfg.Log.File.Path,
			cfg.Log.File.MaxSizeMB,
			cfg.Log.File.MaxBackups,
			cfg.Log.File.MaxAgeDays,
		))
	}

	return logger.NewSlog(level, opts...)
}
