// Package valkeyx wraps the Valkey client used for distributed locks and the
// series cache.
package valkeyx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Config holds the connection settings.
type Config struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration

	// DisableCache turns off client side caching; required for miniredis.
	DisableCache bool
	// Cluster enables slot discovery. Off means a single node.
	Cluster bool
}

// NewClient connects to Valkey.
func NewClient(cfg Config) (valkey.Client, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("valkey addr is empty")
	}

	opts := valkey.ClientOption{
		InitAddress:       []string{addr},
		Password:          cfg.Password,
		SelectDB:          cfg.DB,
		DisableCache:      cfg.DisableCache,
		ForceSingleClient: !cfg.Cluster,
	}
	if cfg.DialTimeout > 0 {
		opts.Dialer.Timeout = cfg.DialTimeout
	}

	client, err := valkey.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create valkey client: %w", err)
	}
	return client, nil
}

// Ping checks the connection.
func Ping(ctx context.Context, client valkey.Client) error {
	if client == nil {
		return errors.New("valkey client is nil")
	}
	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("valkey ping failed: %w", err)
	}
	return nil
}

// IsNil reports whether err (or anything it wraps) is a Valkey nil reply.
func IsNil(err error) bool {
	for e := err; e != nil; e = errors.Unwrap(e) {
		if valkey.IsValkeyNil(e) {
			return true
		}
	}
	return false
}

// BuildKey joins a prefix and parts with ':'.
func BuildKey(prefix string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(prefix)
	for _, p := range parts {
		sb.WriteByte(':')
		sb.WriteString(strings.TrimSpace(p))
	}
	return sb.String()
}
