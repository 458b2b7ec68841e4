package redisutil

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/cordum/addonhub/core/infra/tlsenv"
	"github.com/redis/go-redis/v9"
)

const (
	envTLSPrefix    = "REDIS_TLS"
	envClusterAddrs = "REDIS_CLUSTER_ADDRESSES"

	pingTimeout = 2 * time.Second
)

// ParseOptions parses a redis:// or rediss:// URL and layers REDIS_TLS_*
// settings on top.
func ParseOptions(url string) (*redis.Options, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	tlsConfig, err := tlsenv.Load(envTLSPrefix, opts.TLSConfig)
	if err != nil {
		return nil, err
	}
	opts.TLSConfig = tlsConfig
	return opts, nil
}

// NewClient returns a single-node client for url, or a cluster client when
// REDIS_CLUSTER_ADDRESSES lists seed nodes. Credentials and TLS always come
// from url and the environment.
func NewClient(url string) (redis.UniversalClient, error) {
	opts, err := ParseOptions(url)
	if err != nil {
		return nil, err
	}
	addrs := clusterAddrs()
	if len(addrs) == 0 {
		addrs = []string{opts.Addr}
	}
	return redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:     addrs,
		Username:  opts.Username,
		Password:  opts.Password,
		DB:        opts.DB,
		TLSConfig: opts.TLSConfig,
	}), nil
}

// Connect builds a client for url and pings it. The client is closed again
// when the ping fails.
func Connect(ctx context.Context, url string) (redis.UniversalClient, error) {
	client, err := NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return client, nil
}

func clusterAddrs() []string {
	return strings.FieldsFunc(os.Getenv(envClusterAddrs), func(r rune) bool {
		return r == ',' || r == ' ' || r == '\n' || r == '\t'
	})
}
