package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/yuuki/rdmakv/internal/completion"
	"github.com/yuuki/rdmakv/internal/connection"
)

// ClientConfig holds configuration for the initiator CLI.
type ClientConfig struct {
	ServerAddr       string
	Device           string
	LogLevel         string
	TransferMode     string
	WaitMode         string
	PollIntervalUS   int
	TOS              int
	ConnectTimeoutMS int
}

// SetupClientFlags registers the connection flags shared by every client
// command.
func SetupClientFlags(flagSet *pflag.FlagSet) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.StringP("server", "s", "127.0.0.1:7471", "Server address")
	flagSet.String("device", "rxe0", "RDMA device name")
	flagSet.String("log-level", "warn", "Log level (trace, debug, info, warn, error)")
	flagSet.String("transfer-mode", "send", "Transfer mode, must match the server (send, write_imm)")
	flagSet.String("wait-mode", "poll", "Completion wait mode (poll, event)")
	flagSet.Duration("connect-timeout", 5*time.Second, "Connection establishment timeout")
}

var clientFlagKeys = map[string]string{
	"server":          "server_addr",
	"device":          "device",
	"log-level":       "log_level",
	"transfer-mode":   "transfer_mode",
	"wait-mode":       "wait_mode",
	"connect-timeout": "connect_timeout",
}

// LoadClientConfig loads the client configuration from defaults, a config
// file, RDMAKV_CLIENT_* environment variables and flags.
func LoadClientConfig(flagSet *pflag.FlagSet) (*ClientConfig, error) {
	v := viper.New()

	v.SetDefault("server_addr", "127.0.0.1:7471")
	v.SetDefault("device", "rxe0")
	v.SetDefault("log_level", "warn")
	v.SetDefault("transfer_mode", "send")
	v.SetDefault("wait_mode", "poll")
	v.SetDefault("poll_interval_us", 0)
	v.SetDefault("tos", -1)
	v.SetDefault("connect_timeout", 5*time.Second)

	v.SetEnvPrefix("RDMAKV_CLIENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	configPath := ""
	if flagSet != nil {
		if err := bindFlags(v, flagSet, clientFlagKeys); err != nil {
			return nil, err
		}
		configPath, _ = flagSet.GetString("config")
	}
	if err := readConfigFile(v, configPath, "client"); err != nil {
		return nil, err
	}

	config := &ClientConfig{
		ServerAddr:       v.GetString("server_addr"),
		Device:           v.GetString("device"),
		LogLevel:         v.GetString("log_level"),
		TransferMode:     v.GetString("transfer_mode"),
		WaitMode:         v.GetString("wait_mode"),
		PollIntervalUS:   v.GetInt("poll_interval_us"),
		TOS:              v.GetInt("tos"),
		ConnectTimeoutMS: int(v.GetDuration("connect_timeout") / time.Millisecond),
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Validate checks enumerated fields.
func (c *ClientConfig) Validate() error {
	var errs []error
	if c.ServerAddr == "" {
		errs = append(errs, errors.New("server_addr must not be empty"))
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
	return errors.Join(errs...)
}

// ConnectionOptions converts the configuration into dial options.
func (c *ClientConfig) ConnectionOptions() connection.Options {
	opts := connection.DefaultOptions()
	opts.Transfer, _ = connection.ParseTransferMode(c.TransferMode)
	opts.Wait, _ = completion.ParseMode(c.WaitMode)
	opts.PollInterval = time.Duration(c.PollIntervalUS) * time.Microsecond
	opts.TOS = c.TOS
	return opts
}

// ConnectTimeout returns the dial timeout.
func (c *ClientConfig) ConnectTimeout() time.Duration {
	if c.ConnectTimeoutMS <= 0 {
		return 5 * time.Second
	}
	return time.Duration(c.ConnectTimeoutMS) * time.Millisecond
}
