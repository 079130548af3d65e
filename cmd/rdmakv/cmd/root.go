// Package cmd implements the rdmakv CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/yuuki/rdmakv/internal/client"
	"github.com/yuuki/rdmakv/internal/config"
	"github.com/yuuki/rdmakv/internal/verbs"
)

var (
	// Version is set at build time
	Version = "0.1.0"

	clientConfig *config.ClientConfig
)

var (
	okFmt    = color.New(color.FgGreen).SprintFunc()
	keyFmt   = color.New(color.FgCyan, color.Bold).SprintFunc()
	missFmt  = color.New(color.FgYellow).SprintFunc()
	labelFmt = color.New(color.Faint).SprintFunc()
)

var rootCmd = &cobra.Command{
	Use:   "rdmakv",
	Short: "Client for the RDMA key-value server",
	Long: `rdmakv connects to an rdmakv-server over RDMA and issues PUT and GET
requests, one connection per invocation.

Examples:
  rdmakv put greeting hello
  rdmakv get greeting -s 10.0.0.5:7471
  rdmakv bench --requests 10000 --rate 5000`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "version" || cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}
		cfg, err := config.LoadClientConfig(cmd.Flags())
		if err != nil {
			return err
		}
		initLogging(cfg.LogLevel)
		clientConfig = cfg
		return nil
	},
}

func init() {
	config.SetupClientFlags(rootCmd.PersistentFlags())
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(rootCmd.ErrOrStderr(), "%s %v\n", color.New(color.FgRed, color.Bold).Sprint("Error:"), err)
	}
	return err
}

// connect opens a device and dials the configured server. The returned
// function closes both.
func connect(ctx context.Context) (*client.Client, func(), error) {
	dev, err := verbs.OpenDevice(clientConfig.Device)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open device %s: %w", clientConfig.Device, err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, clientConfig.ConnectTimeout())
	defer cancel()
	c, err := client.Dial(dialCtx, dev, clientConfig.ServerAddr, clientConfig.ConnectionOptions())
	if err != nil {
		_ = dev.Close()
		return nil, nil, fmt.Errorf("failed to connect to %s: %w", clientConfig.ServerAddr, err)
	}
	return c, func() {
		if err := c.Close(); err != nil {
			log.Debug().Err(err).Msg("Failed to close connection")
		}
		_ = dev.Close()
	}, nil
}

var consoleOnce sync.Once

func initLogging(level string) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(lvl)
	consoleOnce.Do(func() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	})
}
