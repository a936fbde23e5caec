package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/allerac/tg-dispatcher/internal/config"
	"github.com/allerac/tg-dispatcher/internal/system"
)

var rootCmd = &cobra.Command{
	Use:          "dispatcher",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the controller and restore any registered bot workers",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve() error {
	if _, err := maxprocs.Set(maxprocs.Logger(log.Printf)); err != nil {
		log.Printf("[dispatcher] automaxprocs: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	sys, err := system.New(cfg)
	if err != nil {
		return err
	}
	defer sys.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := sys.Controller.Start(ctx); err != nil {
		return err
	}
	go sys.Controller.Run(ctx)

	log.Printf("[dispatcher] running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Printf("[dispatcher] shutting down...")
	cancel()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
