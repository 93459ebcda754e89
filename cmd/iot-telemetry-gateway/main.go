package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/application/gateway"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/archive"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/buffer"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/dedup"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/logging"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/serialport"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/infrastructure/sink"
	"github.com/diwise/iot-telemetry-gateway/internal/pkg/presentation/api"
	"github.com/rs/zerolog"
)

const serviceName string = "iot-telemetry-gateway"

var buildVersion string = "develop"

type flagType int
type flagMap map[flagType]string

const (
	configurationFile flagType = iota
	listenAddress
	servicePort
)

func defaultFlags() flagMap {
	return flagMap{
		configurationFile: "/opt/gateway/config/gateway.yaml",
		listenAddress:     "",
		servicePort:       "",
	}
}

func main() {
	flags := parseExternalConfig(defaultFlags())

	ctx, logger := logging.NewLogger(context.Background(), serviceName, buildVersion)

	cfgFile, err := os.Open(flags[configurationFile])
	exitIf(err, logger, "could not open configuration file")

	cfg, err := application.LoadConfiguration(cfgFile)
	cfgFile.Close()
	exitIf(err, logger, "could not load configuration")

	// flags and environment override the file for the api surface
	if flags[listenAddress] != "" {
		cfg.API.ListenAddress = flags[listenAddress]
	}
	if flags[servicePort] != "" {
		cfg.API.Port = flags[servicePort]
	}

	store, err := buffer.New(cfg.DataDir)
	exitIf(err, logger, "could not create buffer store")

	tracker, err := dedup.New(filepath.Join(cfg.DataDir, "dedup_tracking.jsonl"), dedup.DefaultReadingCap, dedup.DefaultPayloadCap)
	exitIf(err, logger, "could not create dedup tracker")
	defer tracker.Close()

	archiver, err := archive.New(cfg.ArchiveDir)
	exitIf(err, logger, "could not create archiver")

	cloudSink := sink.New(sink.Config{
		URL:        cfg.Sink.AMQPURL,
		Exchange:   cfg.Sink.Exchange,
		RoutingKey: cfg.Sink.RoutingKey,
	})

	gw := gateway.New(cfg, store, tracker, cloudSink, archiver, serialport.New())

	err = gw.Start(ctx)
	exitIf(err, logger, "could not start gateway")

	apiServer := &http.Server{
		Addr:    cfg.API.ListenAddress + ":" + cfg.API.Port,
		Handler: api.RegisterHandlers(ctx, gw),
	}

	go func() {
		logger.Info().Str("address", apiServer.Addr).Msg("starting status api")
		err := apiServer.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("status api failed")
		}
	}()

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	logger.Info().Msg("shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	apiServer.Shutdown(shutdownCtx)

	err = gw.Stop(logging.NewContextWithLogger(shutdownCtx, logger))
	if err != nil {
		logger.Error().Err(err).Msg("gateway did not stop cleanly")
	}

	logger.Info().Msg("telemetry collection stopped")
}

func parseExternalConfig(flags flagMap) flagMap {
	// Allow environment variables to override certain defaults
	envOrDef := func(name, def string) string {
		if value, ok := os.LookupEnv(name); ok {
			return value
		}
		return def
	}

	flags[configurationFile] = envOrDef("CONFIGURATION_FILE", flags[configurationFile])
	flags[listenAddress] = envOrDef("LISTEN_ADDRESS", flags[listenAddress])
	flags[servicePort] = envOrDef("SERVICE_PORT", flags[servicePort])

	apply := func(f flagType) func(string) error {
		return func(value string) error {
			flags[f] = value
			return nil
		}
	}

	// Allow command line arguments to override defaults and environment variables
	flag.Func("config", "gateway configuration file", apply(configurationFile))
	flag.Func("listen", "status api listen address", apply(listenAddress))
	flag.Func("port", "status api port", apply(servicePort))
	flag.Parse()

	return flags
}

func exitIf(err error, logger zerolog.Logger, msg string) {
	if err != nil {
		logger.Fatal().Err(err).Msg(msg)
	}
}
