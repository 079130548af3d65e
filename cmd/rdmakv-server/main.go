package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/yuuki/rdmakv/internal/config"
	"github.com/yuuki/rdmakv/internal/server"
)

// version is set at build time.
var version = "v0.1.0"

func main() {
	// Set up command line flags
	flagSet := pflag.NewFlagSet("rdmakv-server", pflag.ExitOnError)
	config.SetupServerFlags(flagSet)

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error parsing flags: %v\n", err)
		os.Exit(1)
	}

	if v, _ := flagSet.GetBool("version"); v {
		fmt.Printf("RDMA KV Server %s\n", version)
		os.Exit(0)
	}

	if createConfig, _ := flagSet.GetBool("create-config"); createConfig {
		configOutput, _ := flagSet.GetString("config-output")
		if err := config.WriteDefaultServerConfig(configOutput); err != nil {
			fmt.Fprintf(os.Stderr, "Error creating default config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created default configuration at %s\n", configOutput)
		os.Exit(0)
	}

	cfg, err := config.LoadServerConfig(flagSet)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading configuration: %v\n", err)
		os.Exit(1)
	}

	s, err := server.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create server")
	}

	if err := s.Run(); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}
