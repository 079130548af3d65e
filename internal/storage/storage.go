// Package storage holds the key/value backends the exchange engine reads
// and writes. Keys and values are bounded strings; a later Put of the same
// key shadows earlier ones.
package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/yuuki/rdmakv/internal/wire"
)

// MaxLen bounds keys and values. Longer input is truncated.
const MaxLen = wire.MaxFieldLen

// Backend types accepted by Open.
const (
	TypeMemory = "memory"
	TypeBadger = "badger"
	TypeRqlite = "rqlite"
	TypeRedis  = "redis"
)

var (
	ErrClosed      = errors.New("storage backend is closed")
	ErrUnknownType = errors.New("unknown storage type")
)

// Backend is an associative store. Get reports whether the key was found;
// a miss is not an error.
type Backend interface {
	Put(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, bool, error)
	Close() error
}

// Config selects and configures a backend.
type Config struct {
	Type string `mapstructure:"type" yaml:"type"`

	// Badger data directory. Empty keeps the database in memory.
	Path string `mapstructure:"path" yaml:"path"`

	// rqlite HTTP URI.
	URI string `mapstructure:"uri" yaml:"uri"`

	// Redis connection.
	Address   string `mapstructure:"address" yaml:"address"`
	Password  string `mapstructure:"password" yaml:"password"`
	DB        int    `mapstructure:"db" yaml:"db"`
	KeyPrefix string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// Open creates the backend named by cfg.Type. An empty type selects the
// in-memory store.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	switch strings.ToLower(cfg.Type) {
	case "", TypeMemory:
		return NewMemory(), nil
	case TypeBadger:
		return OpenBadger(cfg.Path)
	case TypeRqlite:
		return OpenRqlite(ctx, cfg.URI)
	case TypeRedis:
		return OpenRedis(ctx, RedisOptions{
			Address:   cfg.Address,
			Password:  cfg.Password,
			DB:        cfg.DB,
			KeyPrefix: cfg.KeyPrefix,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, cfg.Type)
	}
}

// bound truncates s to MaxLen bytes.
func bound(s string) string {
	return wire.Truncate(s)
}
