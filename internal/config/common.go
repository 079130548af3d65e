// Package config loads server and client configuration from files,
// environment variables and command line flags.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// getSystemHostname returns the system hostname or a fallback string
func getSystemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("rdmakv-%d", os.Getpid())
	}
	return hostname
}

// bindFlags binds each flag in keys to its config key. Flags missing from
// flagSet are skipped.
func bindFlags(v *viper.Viper, flagSet *pflag.FlagSet, keys map[string]string) error {
	for name, key := range keys {
		f := flagSet.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

// readConfigFile reads configPath, or <name>.yaml from the default
// locations. A missing default file is not an error.
func readConfigFile(v *viper.Viper, configPath, name string) error {
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("error reading config file: %w", err)
		}
		return nil
	}

	v.SetConfigName(name)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.rdmakv")
	v.AddConfigPath("/etc/rdmakv")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}
	return nil
}

// createConfigDirectory ensures the directory for a config file exists
func createConfigDirectory(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	return nil
}

// writeConfigFile writes content to a config file
func writeConfigFile(path, content string) error {
	if err := createConfigDirectory(path); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// writeYAMLConfig renders value as yaml with a title comment and a line
// comment on every key found in comments, then writes it to path.
func writeYAMLConfig(path, title string, value any, comments map[string]string) error {
	var doc yaml.Node
	if err := doc.Encode(value); err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	doc.HeadComment = "# " + title
	annotate(&doc, comments)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&doc); err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("error encoding config: %w", err)
	}
	return writeConfigFile(path, buf.String())
}

func annotate(n *yaml.Node, comments map[string]string) {
	if n.Kind != yaml.MappingNode {
		return
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if c, ok := comments[key.Value]; ok && val.Kind == yaml.ScalarNode {
			val.LineComment = "# " + c
		}
		annotate(val, comments)
	}
}
