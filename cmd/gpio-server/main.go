package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/thatsimonsguy/pi-gpio-chat/internal/commandserver"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/config"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/gpio"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/logging"
	"github.com/thatsimonsguy/pi-gpio-chat/system/shutdown"
)

const version = "1.0.0"

func main() {
	cfg := config.Load(config.Flags(commandserver.Name), os.Args[1:])
	logging.Init(cfg.LogLevel, cfg.Log.File)

	ignoreGroupSignals()

	driver, err := gpio.NewDriver(cfg.GPIO.Driver)
	if err != nil {
		log.Fatal().Err(err).Str("driver", cfg.GPIO.Driver).Msg("Unknown GPIO driver")
	}
	ctrl := gpio.NewController(driver, cfg.GPIO.ValidPins)

	var seq shutdown.Sequence
	seq.Add("release pins", func(context.Context) error { return ctrl.Cleanup() })
	seq.Add("close driver", func(context.Context) error { return ctrl.Close() })

	log.Info().
		Str("driver", driver.Name()).
		Ints("valid_pins", ctrl.ValidPins()).
		Msg("GPIO server reading requests on stdin")

	runErr := commandserver.New(ctrl, version).Run(os.Stdin, os.Stdout)
	if err := seq.Run(context.Background()); err != nil {
		log.Error().Err(err).Msg("GPIO cleanup incomplete")
	}
	if runErr != nil {
		log.Error().Err(runErr).Msg("GPIO server stopped")
		os.Exit(1)
	}
	log.Info().Msg("GPIO server stopped")
}

// Ctrl-C and a service manager's stop both reach the whole process group.
// The parent closes our stdin when it shuts down and we clean up on EOF.
func ignoreGroupSignals() {
	signal.Ignore(syscall.SIGINT, syscall.SIGTERM)
}
