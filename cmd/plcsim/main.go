// Command plcsim serves a simulated greenhouse controller over Modbus/TCP so
// the gateway can be run without the real PLC.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nexus-edge/ebbflow-gateway/internal/plcsim"
	"github.com/nexus-edge/ebbflow-gateway/pkg/logging"
)

const (
	serviceName    = "plcsim"
	serviceVersion = "1.0.0"
)

func main() {
	addr := flag.String("addr", "0.0.0.0:5020", "Modbus/TCP listen address")
	unitID := flag.Uint("unit", 1, "Modbus unit id served")
	tick := flag.Duration("tick", time.Second, "process simulation step interval, 0 disables the simulation")
	debug := flag.Bool("debug", false, "log Modbus frames")
	flag.Parse()

	logger, closer := logging.New(serviceName, serviceVersion, logging.FromEnv())
	defer closer.Close()

	plc, err := plcsim.Start(plcsim.Config{
		Address: *addr,
		UnitID:  byte(*unitID),
		Debug:   *debug,
	}, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start PLC simulator")
	}
	if err := plc.Seed(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to seed PLC registers")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *tick > 0 {
		go plc.Run(ctx, *tick)
	}

	logger.Info().Str("address", plc.Addr()).Dur("tick", *tick).Msg("PLC simulator running")

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received")
	case <-plc.Done():
		logger.Error().Msg("Modbus server stopped unexpectedly")
	}

	if err := plc.Close(); err != nil {
		logger.Warn().Err(err).Msg("Error closing PLC simulator")
	}
	logger.Info().Msg("PLC simulator stopped")
}
