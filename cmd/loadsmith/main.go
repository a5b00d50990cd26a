package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"github.com/spf13/cobra"

	"github.com/loadsmith/loadsmith/internal/config"
	"github.com/loadsmith/loadsmith/internal/control"
	"github.com/loadsmith/loadsmith/internal/portal"
	"github.com/loadsmith/loadsmith/server"
	"github.com/loadsmith/loadsmith/server/protocol"
	"github.com/loadsmith/loadsmith/server/vm"
)

// distinguished exit codes for startup failures
const (
	exitInvalidArgs   = 2
	exitInvalidConfig = 3
)

var version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "loadsmith <config.yaml>",
	Short: "loadsmith - a load-simulating TCP server",
	Long: `loadsmith accepts HTTP/1.1 connections and executes the scripted
program carried in each request body on a shared virtual machine while
streaming the requested amount of synthetic bytes back. It is used to
exercise load balancers, proxies and client fleets under controlled
resource contention.`,
	Version:       version,
	Args:          cobra.ExactArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0])
	},
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		if errors.Is(err, config.ErrInvalidConfig) {
			os.Exit(exitInvalidConfig)
		}
		os.Exit(exitInvalidArgs)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	stumpyLogger := stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr)),
		stumpy.L.WithLevel(logiface.LevelInformational),
	)
	logger := stumpyLogger.Logger()

	manager := server.NewManager(logger)

	// one VM instance shared by every Http session in the process
	sharedVM := vm.New()
	factory := func() *protocol.Http {
		return protocol.NewHTTP(sharedVM, cfg.Sessions.MaxTransferSize, logger)
	}
	if _, err := server.CreateServer(manager, cfg, factory); err != nil {
		return err
	}

	statsPortal := portal.New(manager, cfg.Logging.HeaderInterval, os.Stdout)
	statsPortal.Start()

	ctl := control.New(manager, logger)
	ctlAddr := fmt.Sprintf("%s:%d", cfg.ControlServer.IP, cfg.ControlServer.Port)
	if err := ctl.Start(ctlAddr); err != nil {
		manager.StopAll()
		statsPortal.Stop()
		return err
	}

	// SIGINT and SIGTERM initiate graceful shutdown of the server manager
	// and the management surface, then the main goroutine joins below
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sig
		logger.Info().Str("signal", s.String()).Log("shutting down")
		manager.StopAll()
		statsPortal.Stop()
		ctl.Stop()
	}()

	statsPortal.Wait()
	ctl.Wait()
	manager.Wait()
	return nil
}
