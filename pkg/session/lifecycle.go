package session

import (
	"context"
	"fmt"
	"time"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/pkg/orchestrate"
)

// Lifecycle drives a session through idle -> running -> completed/failed,
// running bootstrap stages (if any) before the fuzzing loop is allowed to
// start and teardown stages (if any) when it stops. Teardown only ever
// runs once a session has actually reached running: a session whose
// bootstrap failed never had a live connection or context worth tearing
// down.
type Lifecycle struct {
	session *Session

	stageRunner *orchestrate.StageRunner
	bootstrap   []orchestrate.Stage
	teardown    []orchestrate.Stage
	everRunning bool

	heartbeat    *orchestrate.HeartbeatScheduler
	heartbeatCfg orchestrate.HeartbeatConfig
	protoCtx     *orchestrate.Context
}

// NewLifecycle wraps session with an optional stage runner and its
// declared bootstrap/teardown stages (both nil/empty for sessions with no
// protocol stack). heartbeat may be nil for sessions with no declared
// heartbeat policy.
func NewLifecycle(s *Session, runner *orchestrate.StageRunner, bootstrap, teardown []orchestrate.Stage, heartbeat *orchestrate.HeartbeatScheduler, heartbeatCfg orchestrate.HeartbeatConfig, protoCtx *orchestrate.Context) *Lifecycle {
	return &Lifecycle{
		session:      s,
		stageRunner:  runner,
		bootstrap:    bootstrap,
		teardown:     teardown,
		heartbeat:    heartbeat,
		heartbeatCfg: heartbeatCfg,
		protoCtx:     protoCtx,
	}
}

// SetTracingContext installs the Go tracing context that stage and
// heartbeat spans are parented to. Call before Start once a request-scoped
// context.Context is available (e.g. from the command that runs the
// session).
func (l *Lifecycle) SetTracingContext(ctx context.Context) {
	if l.stageRunner != nil {
		l.stageRunner.SetContext(ctx)
	}
	if l.heartbeat != nil {
		l.heartbeat.SetContext(ctx)
	}
}

// Start transitions idle -> running, first running every declared
// bootstrap stage. A bootstrap failure fails the session and never marks
// it as having reached running, so Stop will skip teardown.
func (l *Lifecycle) Start() error {
	s := l.session
	if s.Status != StatusIdle && s.Status != StatusPaused {
		return &StateError{SessionID: s.ID, From: s.Status, Attempted: "start"}
	}

	if len(l.bootstrap) > 0 {
		if l.stageRunner == nil {
			err := &InitializationError{SessionID: s.ID, Reason: "protocol stack declared but no stage runner configured"}
			s.Status = StatusFailed
			s.ErrorMessage = err.Error()
			return err
		}
		if err := l.stageRunner.RunBootstrapStages(l.bootstrap); err != nil {
			s.Status = StatusFailed
			s.ErrorMessage = fmt.Sprintf("bootstrap failed: %v", err)
			logger.Error("session bootstrap failed", "session_id", s.ID, "error", err)
			return err
		}
	}

	now := time.Now()
	s.Status = StatusRunning
	s.StartedAt = &now
	l.everRunning = true
	logger.Info("session started", "session_id", s.ID, "protocol", s.Config.Protocol)

	if l.heartbeat != nil {
		l.heartbeat.Start(s.ID, l.heartbeatCfg, l.protoCtx)
	}

	return nil
}

// Stop transitions the session out of running (to completed, unless it
// already failed) and runs teardown stages, best effort, only if the
// session ever reached running. Teardown errors are appended to the
// session's error message rather than failing the stop.
func (l *Lifecycle) Stop() {
	s := l.session

	if l.heartbeat != nil {
		l.heartbeat.Stop(s.ID)
	}

	if s.Status == StatusRunning {
		s.Status = StatusCompleted
		now := time.Now()
		s.CompletedAt = &now
	}

	if !l.everRunning || len(l.teardown) == 0 {
		return
	}
	if l.stageRunner == nil {
		return
	}

	for _, err := range l.stageRunner.RunTeardownStages(l.teardown) {
		logger.Warn("teardown stage failed", "session_id", s.ID, "error", err)
		if s.ErrorMessage == "" {
			s.ErrorMessage = fmt.Sprintf("teardown: %v", err)
		} else {
			s.ErrorMessage += fmt.Sprintf("; teardown: %v", err)
		}
	}
}

// Fail marks the session failed with reason, regardless of current state.
func (l *Lifecycle) Fail(reason string) {
	s := l.session
	s.Status = StatusFailed
	s.ErrorMessage = reason
	now := time.Now()
	s.CompletedAt = &now
}

// RecoverAsPaused marks a session that was found RUNNING on disk at
// process start-up as paused, since its in-process state (transport,
// heartbeat, fuzzing goroutine) did not survive the restart.
func RecoverAsPaused(s *Session) {
	if s.Status != StatusRunning {
		return
	}
	s.Status = StatusPaused
	s.ErrorMessage = "session was running when the process restarted; resume manually"
}
