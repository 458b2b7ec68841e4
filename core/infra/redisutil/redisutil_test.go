package redisutil

import (
	"context"
	"testing"

	miniredis "github.com/alicebob/miniredis/v2"
)

func TestParseOptions(t *testing.T) {
	opts, err := ParseOptions("redis://:secret@localhost:6380/2")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if opts.Addr != "localhost:6380" || opts.Password != "secret" || opts.DB != 2 || opts.TLSConfig != nil {
		t.Fatalf("unexpected options %+v", opts)
	}

	t.Setenv("REDIS_TLS_INSECURE", "true")
	opts, err = ParseOptions("rediss://cache.internal:6380")
	if err != nil {
		t.Fatalf("parse rediss: %v", err)
	}
	if opts.TLSConfig == nil || !opts.TLSConfig.InsecureSkipVerify || opts.TLSConfig.ServerName != "cache.internal" {
		t.Fatalf("expected env tls layered on url tls, got %+v", opts.TLSConfig)
	}

	if _, err := ParseOptions("http://nope"); err == nil {
		t.Fatalf("expected error for non-redis url")
	}
}

func TestClusterAddrs(t *testing.T) {
	t.Setenv(envClusterAddrs, "")
	if got := clusterAddrs(); len(got) != 0 {
		t.Fatalf("expected no addrs, got %v", got)
	}
	t.Setenv(envClusterAddrs, "a:7000, b:7001\nc:7002")
	if got := clusterAddrs(); len(got) != 3 || got[2] != "c:7002" {
		t.Fatalf("unexpected addrs %v", got)
	}
}

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	client, err := Connect(context.Background(), "redis://"+addr)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()
	if err := client.Set(context.Background(), "k", "v", 0).Err(); err != nil {
		t.Fatalf("set: %v", err)
	}

	mr.Close()
	if _, err := Connect(context.Background(), "redis://"+addr); err == nil {
		t.Fatalf("expected ping failure against stopped server")
	}
}
