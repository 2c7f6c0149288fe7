// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// ServerConfig configures the embedded NATS server used in standalone
// and development deployments. Fleets point at an external cluster
// instead.
type ServerConfig struct {
	Host              string
	Port              int
	StoreDir          string
	JetStreamMaxMem   int64
	JetStreamMaxStore int64
}

// EmbeddedServer wraps an in-process NATS JetStream server with
// lifecycle management.
type EmbeddedServer struct {
	server    *server.Server
	clientURL string
}

// NewEmbeddedServer creates and starts an embedded server, waiting up
// to 30 seconds for it to accept connections.
func NewEmbeddedServer(cfg ServerConfig) (*EmbeddedServer, error) {
	opts := &server.Options{
		ServerName:         "shiori-jobs",
		Host:               cfg.Host,
		Port:               cfg.Port,
		JetStream:          true,
		StoreDir:           cfg.StoreDir,
		JetStreamMaxMemory: cfg.JetStreamMaxMem,
		JetStreamMaxStore:  cfg.JetStreamMaxStore,
		MaxPayload:         8 * 1024 * 1024,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("create NATS server: %w", err)
	}

	ns.ConfigureLogger()
	go ns.Start()

	if !ns.ReadyForConnections(30 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready within timeout")
	}

	return &EmbeddedServer{server: ns, clientURL: ns.ClientURL()}, nil
}

// ClientURL returns the connection URL for clients.
func (s *EmbeddedServer) ClientURL() string { return s.clientURL }

// Shutdown stops the server, waiting for completion or ctx expiry.
func (s *EmbeddedServer) Shutdown(ctx context.Context) error {
	s.server.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.WaitForShutdown()
		close(done)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

// IsRunning reports server health.
func (s *EmbeddedServer) IsRunning() bool { return s.server.Running() }
