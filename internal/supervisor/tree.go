// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package supervisor builds the suture tree that keeps the worker's
// long-running services alive: the job router and its consumers, the
// control loops (scheduler, tier maintenance) and the ops HTTP
// server. Layers fail independently; a crashing control loop never
// takes the pipeline down with it.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"

	"github.com/mkojima/shiori/internal/logging"
)

// TreeConfig holds supervisor tree tuning.
type TreeConfig struct {
	// FailureThreshold is the failure count that triggers backoff.
	FailureThreshold float64

	// FailureDecay is how fast failures age out, in seconds.
	FailureDecay float64

	// FailureBackoff is the pause once the threshold is exceeded.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds graceful shutdown per service.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's stock parameters.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the worker's supervisor hierarchy:
//
//   - pipeline: the watermill router (poll, ingest, discovery
//     consumers ride inside it)
//   - control: scheduler tick loop and tier maintenance
//   - api: ops HTTP server
type Tree struct {
	root     *suture.Supervisor
	pipeline *suture.Supervisor
	control  *suture.Supervisor
	api      *suture.Supervisor
	config   TreeConfig
}

// NewTree creates the tree. Supervisor events land in the zerolog
// sink through the slog adapter.
func NewTree(config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	handler := &sutureslog.Handler{Logger: logging.NewSlogLogger()}
	rootSpec := suture.Spec{
		EventHook:        handler.MustHook(),
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("shiori", rootSpec)
	pipeline := suture.New("pipeline", childSpec)
	control := suture.New("control", childSpec)
	api := suture.New("api", childSpec)

	root.Add(pipeline)
	root.Add(control)
	root.Add(api)

	return &Tree{
		root:     root,
		pipeline: pipeline,
		control:  control,
		api:      api,
		config:   config,
	}
}

// AddPipelineService supervises a job pipeline service.
func (t *Tree) AddPipelineService(svc suture.Service) suture.ServiceToken {
	return t.pipeline.Add(svc)
}

// AddControlService supervises a control loop.
func (t *Tree) AddControlService(svc suture.Service) suture.ServiceToken {
	return t.control.Add(svc)
}

// AddAPIService supervises the ops HTTP server.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve runs the tree until ctx is cancelled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground runs the tree in a goroutine; the channel yields
// the terminal error.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// Remove stops and removes one service by token.
func (t *Tree) Remove(token suture.ServiceToken) error {
	return t.root.Remove(token)
}

// UnstoppedServiceReport lists services that ignored shutdown, for
// post-mortem logging.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
