package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/thatsimonsguy/pi-gpio-chat/db"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/commandclient"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/config"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/coordinator"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/detector"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/logging"
	"github.com/thatsimonsguy/pi-gpio-chat/internal/model"
)

const usage = `
Usage of gpio-debug:
  gpio-debug [flags] <command>

Commands:
  set      Drive --pin to --state through a spawned gpio-server
  read     Read --pin through a spawned gpio-server
  status   Show the server's pin status
  pins     List the usable pins
  history  Print the last --limit journaled GPIO actions
  chats    Print the last --limit journaled chat exchanges
  prune    Delete journal entries older than --older-than

Flags:
`

func main() {
	fs := config.Flags("gpio-debug")
	pin := fs.Int("pin", -1, "BCM pin number for set and read")
	state := fs.String("state", "", "Level for set: high, low, on, off, 1 or 0")
	limit := fs.Int("limit", 20, "Rows to show for history and chats")
	olderThan := fs.Duration("older-than", 30*24*time.Hour, "Age cutoff for prune")
	help := fs.BoolP("help", "h", false, "Show help")

	cfg := config.Load(fs, os.Args[1:])
	logging.Init(cfg.LogLevel, cfg.Log.File)

	if *help || fs.NArg() != 1 {
		fmt.Print(usage)
		fmt.Print(fs.FlagUsages())
		os.Exit(0)
	}
	command := fs.Arg(0)

	var err error
	switch command {
	case "history":
		err = db.PrintHistoryCLI(cfg.DB.Path, *limit, os.Stdout)
	case "chats":
		err = db.PrintChatsCLI(cfg.DB.Path, *limit, os.Stdout)
	case "prune":
		var n int64
		n, err = db.PruneHistoryCLI(cfg.DB.Path, *olderThan)
		if err == nil {
			fmt.Printf("Pruned %d GPIO actions\n", n)
		}
	case "set", "read", "status", "pins":
		err = runBridge(cfg, command, *pin, *state)
	default:
		fmt.Printf("Invalid command %q\n", command)
		os.Exit(1)
	}

	if err != nil {
		fmt.Printf("Command %s failed: %v\n", command, err)
		os.Exit(1)
	}
}

func runBridge(cfg config.Config, command string, pin int, state string) error {
	if (command == "set" || command == "read") && pin < 0 {
		return fmt.Errorf("--pin is required")
	}
	if command == "set" && state == "" {
		return fmt.Errorf("--state is required")
	}

	client := commandclient.New(
		&commandclient.ExecLauncher{Command: cfg.GPIO.ServerCommand, Args: cfg.ServerArgs()},
		commandclient.Options{
			RequestTimeout: cfg.GPIO.RequestTimeout,
			StartTimeout:   cfg.GPIO.StartTimeout,
			ShutdownGrace:  cfg.GPIO.ShutdownGrace,
		},
	)
	defer client.Shutdown(context.Background())

	var journal coordinator.Journal
	if cfg.DB.Path != "" {
		database, err := db.Open(cfg.DB.Path)
		if err != nil {
			return err
		}
		defer database.Close()
		journal = &db.Journal{DB: database}
	}

	coord := coordinator.New(nil, client, journal, coordinator.Options{ValidPins: cfg.GPIO.ValidPins})
	ctx := context.Background()

	switch command {
	case "set":
		return printResult(coord.ExecuteGPIO(ctx, detector.ActionSetOutput, pin, state, model.SourceCLI))
	case "read":
		return printResult(coord.ExecuteGPIO(ctx, detector.ActionReadInput, pin, "", model.SourceCLI))
	case "status":
		st, err := coord.Status(ctx)
		if err != nil {
			return err
		}
		return printJSON(st)
	default:
		return printJSON(coord.ValidPins(ctx))
	}
}

func printResult(res *model.GPIOResult) error {
	if err := printJSON(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("%s: %s", res.ErrorKind, res.Message)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
