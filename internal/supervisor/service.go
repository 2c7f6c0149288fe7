// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

package supervisor

import (
	"context"
)

// ServiceFunc adapts a blocking run function into a named suture
// service. The function must return promptly once ctx is cancelled.
type ServiceFunc struct {
	Name string
	Run  func(ctx context.Context) error
}

// Serve implements suture.Service.
func (s ServiceFunc) Serve(ctx context.Context) error {
	return s.Run(ctx)
}

// String names the service in supervisor logs.
func (s ServiceFunc) String() string {
	return s.Name
}

// startStopService adapts the Start/Stop lifecycle used by the
// scheduler and tier maintainer into a suture service: start, park
// until cancellation, then stop synchronously.
type startStopService struct {
	name  string
	start func(ctx context.Context) error
	stop  func()
}

// NewStartStopService wraps a Start/Stop pair. Stop must block until
// in-flight work has drained.
func NewStartStopService(name string, start func(ctx context.Context) error, stop func()) ServiceFunc {
	svc := startStopService{name: name, start: start, stop: stop}
	return ServiceFunc{Name: name, Run: svc.run}
}

func (s startStopService) run(ctx context.Context) error {
	if err := s.start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.stop()
	return ctx.Err()
}
