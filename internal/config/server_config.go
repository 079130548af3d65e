package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yuuki/rdmakv/internal/completion"
	"github.com/yuuki/rdmakv/internal/connection"
	"github.com/yuuki/rdmakv/internal/storage"
)

// ServerConfig holds configuration for the responder.
type ServerConfig struct {
	InstanceID         string         `yaml:"instance_id"`
	ListenAddr         string         `yaml:"listen_addr"`
	Device             string         `yaml:"device"`
	LogLevel           string         `yaml:"log_level"`
	TransferMode       string         `yaml:"transfer_mode"`
	WaitMode           string         `yaml:"wait_mode"`
	PollIntervalUS     int            `yaml:"poll_interval_us"`
	Backlog            int            `yaml:"backlog"`
	MaxConnections     int            `yaml:"max_connections"`
	CQDepth            int            `yaml:"cq_depth"`
	InitiatorDepth     int            `yaml:"initiator_depth"`
	ResponderResources int            `yaml:"responder_resources"`
	RetryCount         int            `yaml:"retry_count"`
	TOS                int            `yaml:"tos"`
	DisconnectGraceMS  int            `yaml:"disconnect_grace_ms"`
	HealthAddr         string         `yaml:"health_addr"`
	MetricsEnabled     bool           `yaml:"metrics_enabled"`
	OtelCollectorAddr  string         `yaml:"otel_collector_addr"`
	Storage            storage.Config `yaml:"storage"`
}

// DefaultServerConfig returns the built-in defaults.
func DefaultServerConfig() ServerConfig {
	opts := connection.DefaultOptions()
	return ServerConfig{
		ListenAddr:         "0.0.0.0:7471",
		Device:             "rxe0",
		LogLevel:           "info",
		TransferMode:       opts.Transfer.String(),
		WaitMode:           opts.Wait.String(),
		PollIntervalUS:     int(completion.DefaultPollInterval / time.Microsecond),
		Backlog:            opts.Backlog,
		MaxConnections:     0,
		CQDepth:            opts.CQDepth,
		InitiatorDepth:     int(opts.InitiatorDepth),
		ResponderResources: int(opts.ResponderResources),
		RetryCount:         int(opts.RetryCount),
		TOS:                opts.TOS,
		DisconnectGraceMS:  int(opts.DisconnectGrace / time.Millisecond),
		HealthAddr:         "",
		MetricsEnabled:     false,
		OtelCollectorAddr:  "localhost:4317",
		Storage: storage.Config{
			Type:      storage.TypeMemory,
			URI:       "http://localhost:4001",
			Address:   "localhost:6379",
			KeyPrefix: "rdmakv:",
		},
	}
}

// SetupServerFlags sets up the command line flags for the server.
func SetupServerFlags(flagSet *pflag.FlagSet) {
	d := DefaultServerConfig()
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", "server.yaml", "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")

	flagSet.String("listen-addr", d.ListenAddr, "Address to listen on for RDMA connections")
	flagSet.String("device", d.Device, "RDMA device name")
	flagSet.String("log-level", d.LogLevel, "Log level (trace, debug, info, warn, error)")
	flagSet.String("transfer-mode", d.TransferMode, "Response transfer mode (send, write_imm)")
	flagSet.String("wait-mode", d.WaitMode, "Completion wait mode (poll, event)")
	flagSet.Int("max-connections", d.MaxConnections, "Stop after serving this many connections (0 = unlimited)")
	flagSet.String("health-addr", d.HealthAddr, "Address for the gRPC health service (empty disables it)")
	flagSet.Bool("metrics-enabled", d.MetricsEnabled, "Export OpenTelemetry metrics")
	flagSet.String("otel-collector-addr", d.OtelCollectorAddr, "OTLP collector address (grpc://, grpcs://, http://, https://)")
	flagSet.String("storage-type", d.Storage.Type, "Storage backend (memory, badger, rqlite, redis)")
	flagSet.String("storage-path", d.Storage.Path, "Badger data directory (empty keeps data in memory)")
	flagSet.String("storage-uri", d.Storage.URI, "rqlite URI")
	flagSet.String("storage-address", d.Storage.Address, "Redis address")
}

// serverFlagKeys maps flag names to config keys.
var serverFlagKeys = map[string]string{
	"listen-addr":         "listen_addr",
	"device":              "device",
	"log-level":           "log_level",
	"transfer-mode":       "transfer_mode",
	"wait-mode":           "wait_mode",
	"max-connections":     "max_connections",
	"health-addr":         "health_addr",
	"metrics-enabled":     "metrics_enabled",
	"otel-collector-addr": "otel_collector_addr",
	"storage-type":        "storage.type",
	"storage-path":        "storage.path",
	"storage-uri":         "storage.uri",
	"storage-address":     "storage.address",
}

// LoadServerConfig loads the server configuration from defaults, a config
// file, RDMAKV_SERVER_* environment variables and flags, in increasing
// order of precedence. flagSet may be nil.
func LoadServerConfig(flagSet *pflag.FlagSet) (*ServerConfig, error) {
	v := viper.New()

	d := DefaultServerConfig()
	v.SetDefault("instance_id", getSystemHostname())
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("device", d.Device)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("transfer_mode", d.TransferMode)
	v.SetDefault("wait_mode", d.WaitMode)
	v.SetDefault("poll_interval_us", d.PollIntervalUS)
	v.SetDefault("backlog", d.Backlog)
	v.SetDefault("max_connections", d.MaxConnections)
	v.SetDefault("cq_depth", d.CQDepth)
	v.SetDefault("initiator_depth", d.InitiatorDepth)
	v.SetDefault("responder_resources", d.ResponderResources)
	v.SetDefault("retry_count", d.RetryCount)
	v.SetDefault("tos", d.TOS)
	v.SetDefault("disconnect_grace_ms", d.DisconnectGraceMS)
	v.SetDefault("health_addr", d.HealthAddr)
	v.SetDefault("metrics_enabled", d.MetricsEnabled)
	v.SetDefault("otel_collector_addr", d.OtelCollectorAddr)
	v.SetDefault("storage.type", d.Storage.Type)
	v.SetDefault("storage.path", d.Storage.Path)
	v.SetDefault("storage.uri", d.Storage.URI)
	v.SetDefault("storage.address", d.Storage.Address)
	v.SetDefault("storage.password", d.Storage.Password)
	v.SetDefault("storage.db", d.Storage.DB)
	v.SetDefault("storage.key_prefix", d.Storage.KeyPrefix)

	v.SetEnvPrefix("RDMAKV_SERVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configPath := ""
	if flagSet != nil {
		if err := bindFlags(v, flagSet, serverFlagKeys); err != nil {
			return nil, err
		}
		configPath, _ = flagSet.GetString("config")
	}
	if err := readConfigFile(v, configPath, "server"); err != nil {
		return nil, err
	}

	config := &ServerConfig{
		InstanceID:         v.GetString("instance_id"),
		ListenAddr:         v.GetString("listen_addr"),
		Device:             v.GetString("device"),
		LogLevel:           v.GetString("log_level"),
		TransferMode:       v.GetString("transfer_mode"),
		WaitMode:           v.GetString("wait_mode"),
		PollIntervalUS:     v.GetInt("poll_interval_us"),
		Backlog:            v.GetInt("backlog"),
		MaxConnections:     v.GetInt("max_connections"),
		CQDepth:            v.GetInt("cq_depth"),
		InitiatorDepth:     v.GetInt("initiator_depth"),
		ResponderResources: v.GetInt("responder_resources"),
		RetryCount:         v.GetInt("retry_count"),
		TOS:                v.GetInt("tos"),
		DisconnectGraceMS:  v.GetInt("disconnect_grace_ms"),
		HealthAddr:         v.GetString("health_addr"),
		MetricsEnabled:     v.GetBool("metrics_enabled"),
		OtelCollectorAddr:  v.GetString("otel_collector_addr"),
		Storage: storage.Config{
			Type:      v.GetString("storage.type"),
			Path:      v.GetString("storage.path"),
			URI:       v.GetString("storage.uri"),
			Address:   v.GetString("storage.address"),
			Password:  v.GetString("storage.password"),
			DB:        v.GetInt("storage.db"),
			KeyPrefix: v.GetString("storage.key_prefix"),
		},
	}
	if config.InstanceID == "" {
		config.InstanceID = getSystemHostname()
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks enumerated and ranged fields.
func (c *ServerConfig) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		errs = append(errs, errors.New("listen_addr must not be empty"))
	}
	if _, err := connection.ParseTransferMode(c.TransferMode); err != nil {
		errs = append(errs, err)
	}
	if _, err := completion.ParseMode(c.WaitMode); err != nil {
		errs = append(errs, err)
	}
	if err := validateLogLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	switch strings.ToLower(c.Storage.Type) {
	case "", storage.TypeMemory, storage.TypeBadger, storage.TypeRqlite, storage.TypeRedis:
	default:
		errs = append(errs, fmt.Errorf("storage.type: %w: %q", storage.ErrUnknownType, c.Storage.Type))
	}
	if c.Backlog < 1 {
		errs = append(errs, fmt.Errorf("backlog must be at least 1, got %d", c.Backlog))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("max_connections must not be negative, got %d", c.MaxConnections))
	}
	if c.TOS > 255 {
		errs = append(errs, fmt.Errorf("tos must be at most 255, got %d", c.TOS))
	}
	for name, n := range map[string]int{
		"initiator_depth":     c.InitiatorDepth,
		"responder_resources": c.ResponderResources,
		"retry_count":         c.RetryCount,
	} {
		if n < 0 || n > 255 {
			errs = append(errs, fmt.Errorf("%s must be within 0..255, got %d", name, n))
		}
	}
	return errors.Join(errs...)
}

// ConnectionOptions converts the configuration into controller options.
// It assumes Validate has passed.
func (c *ServerConfig) ConnectionOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.Transfer, _ = connection.ParseTransferMode(c.TransferMode)
	opts.Wait, _ = completion.ParseMode(c.WaitMode)
	opts.PollInterval = time.Duration(c.PollIntervalUS) * time.Microsecond
	opts.Backlog = c.Backlog
	opts.MaxConnections = c.MaxConnections
	opts.CQDepth = c.CQDepth
	opts.InitiatorDepth = uint8(c.InitiatorDepth)
	opts.ResponderResources = uint8(c.ResponderResources)
	opts.RetryCount = uint8(c.RetryCount)
	opts.TOS = c.TOS
	opts.DisconnectGrace = time.Duration(c.DisconnectGraceMS) * time.Millisecond
	return opts
}

func validateLogLevel(level string) error {
	if level == "" {
		return nil
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(level)); err != nil {
		return fmt.Errorf("log_level: %w", err)
	}
	return nil
}

// WriteDefaultServerConfig writes a commented default configuration file.
func WriteDefaultServerConfig(path string) error {
	d := DefaultServerConfig()
	d.InstanceID = ""
	return writeYAMLConfig(path, "RDMA KV Server Configuration", d, map[string]string{
		"instance_id":         "Leave empty to use hostname",
		"log_level":           "trace, debug, info, warn, error",
		"transfer_mode":       "send, write_imm",
		"wait_mode":           "poll, event",
		"poll_interval_us":    "0 spins without sleeping",
		"max_connections":     "0 = unlimited",
		"tos":                 "-1 leaves the IP TOS unset",
		"health_addr":         "e.g. 0.0.0.0:7472, empty disables the health service",
		"otel_collector_addr": "grpc://, grpcs://, http:// or https://",
		"type":                "memory, badger, rqlite, redis",
		"path":                "badger directory, empty keeps data in memory",
	})
}
