// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package supervisor restarts the post office's background services when
// they fail or panic.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/turtacn/mqtt-postoffice/pkg/actor"
	"github.com/turtacn/mqtt-postoffice/pkg/metrics"
)

// ErrNoSpecs is returned by Start without child specs.
var ErrNoSpecs = errors.New("no child specs provided")

// DefaultBackoff is the pause before a restart.
const DefaultBackoff = time.Second

// RestartStrategy defines the restart behavior for a supervised child actor.
type RestartStrategy int

const (
	// RestartPermanent indicates that the child actor should always be restarted.
	RestartPermanent RestartStrategy = iota
	// RestartTransient restarts the child only after an error or a panic.
	RestartTransient
	// RestartTemporary indicates that the child actor should never be restarted.
	RestartTemporary
)

func (r RestartStrategy) String() string {
	switch r {
	case RestartPermanent:
		return "permanent"
	case RestartTransient:
		return "transient"
	case RestartTemporary:
		return "temporary"
	default:
		return fmt.Sprintf("strategy(%d)", int(r))
	}
}

// Spec defines the specification for a child actor process managed by a supervisor.
type Spec struct {
	// ID is a unique identifier for the child actor, used for logging.
	ID string
	// Actor is the actor instance to be supervised.
	Actor actor.Actor
	// Restart defines the restart behavior for this child.
	Restart RestartStrategy
	// Mailbox is handed to every run of the actor; nil is allowed.
	Mailbox *actor.Mailbox
}

// Supervisor defines the interface for a supervisor process.
type Supervisor interface {
	// Start begins the supervision of a set of child actors.
	Start(ctx context.Context, specs []Spec) error
	// StartChild starts and supervises a single child actor dynamically.
	StartChild(ctx context.Context, spec Spec)
}

// Options configures a OneForOneSupervisor.
type Options struct {
	// Backoff is the delay between restarts; DefaultBackoff when zero.
	Backoff time.Duration
	Logger  *slog.Logger
}

// OneForOneSupervisor restarts only the child that terminated.
type OneForOneSupervisor struct {
	backoff time.Duration
	logger  *slog.Logger
	wg      sync.WaitGroup
}

var _ Supervisor = (*OneForOneSupervisor)(nil)

// NewOneForOneSupervisor creates a new one-for-one supervisor.
func NewOneForOneSupervisor(opts Options) *OneForOneSupervisor {
	if opts.Backoff <= 0 {
		opts.Backoff = DefaultBackoff
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OneForOneSupervisor{
		backoff: opts.Backoff,
		logger:  opts.Logger.With("component", "supervisor"),
	}
}

// Start launches the initial set of supervised children. This method is non-blocking.
func (s *OneForOneSupervisor) Start(ctx context.Context, specs []Spec) error {
	if len(specs) == 0 {
		return ErrNoSpecs
	}
	for _, spec := range specs {
		s.StartChild(ctx, spec)
	}
	return nil
}

// StartChild launches and monitors a single new child actor in its own goroutine.
func (s *OneForOneSupervisor) StartChild(ctx context.Context, spec Spec) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.monitorChild(ctx, spec)
	}()
}

// Wait blocks until every child has stopped for good.
func (s *OneForOneSupervisor) Wait() {
	s.wg.Wait()
}

func (s *OneForOneSupervisor) monitorChild(ctx context.Context, spec Spec) {
	log := s.logger.With("actor", spec.ID)
	for {
		err := s.run(ctx, spec)
		if ctx.Err() != nil {
			log.Debug("actor stopped", "err", err)
			return
		}

		restart := false
		switch spec.Restart {
		case RestartPermanent:
			restart = true
		case RestartTransient:
			restart = err != nil
		}
		if !restart {
			log.Info("actor terminated", "err", err, "restart", spec.Restart.String())
			return
		}

		metrics.SupervisorRestartsTotal.WithLabelValues(spec.ID).Inc()
		log.Warn("restarting actor", "err", err, "backoff", s.backoff)

		timer := time.NewTimer(s.backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// run starts the actor once, turning a panic into an error.
func (s *OneForOneSupervisor) run(ctx context.Context, spec Spec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("actor %s panicked: %v", spec.ID, r)
		}
	}()
	return spec.Actor.Start(ctx, spec.Mailbox)
}
