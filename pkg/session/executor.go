package session

import (
	"errors"
	"time"

	"github.com/protofuzz/protofuzz/internal/logger"
	"github.com/protofuzz/protofuzz/pkg/plugin"
	"github.com/protofuzz/protofuzz/pkg/statemodel"
	"github.com/protofuzz/protofuzz/pkg/transport"
)

// ConnectionRefusedGuidance is appended to a session's error message the
// first time a core-mode execution hits a refused connection, pointing at
// the usual container-networking footgun.
const ConnectionRefusedGuidance = "Target may not be running. If running in containers and targeting localhost, " +
	"use '172.17.0.1' (Docker Linux), 'host.docker.internal' (Docker Mac/Windows), " +
	"or 'host.containers.internal' (Podman 4.1+) instead."

// Executor runs one test case against a target and returns its verdict
// and response.
type Executor struct {
	manager *transport.Manager

	maxResponseBytes int
	readBufferSize   int

	validateResponse plugin.ResponseCheck // nil: no extra logical-failure check
}

// NewExecutor returns a core-mode executor. manager may be nil if every
// session it serves uses per-test ephemeral connections.
func NewExecutor(manager *transport.Manager, maxResponseBytes, readBufferSize int, validateResponse plugin.ResponseCheck) *Executor {
	return &Executor{
		manager:          manager,
		maxResponseBytes: maxResponseBytes,
		readBufferSize:   readBufferSize,
		validateResponse: validateResponse,
	}
}

// Execute sends tc.Data to target and classifies the outcome, per spec
// §4.10 step 7: resolve a managed transport when the session isn't
// per_test and an orchestrated stack exists, otherwise an ephemeral one;
// map transport errors to verdicts; apply the plugin's named response
// check (if any) to demote an otherwise-pass result to logical_failure.
func (e *Executor) Execute(s *Session, tc *TestCase, parseFields func([]byte) (map[string]any, bool)) (statemodel.Verdict, []byte) {
	start := time.Now()

	var response []byte
	var err error

	if e.useManaged(s) {
		var mt *transport.Managed
		mt, _, err = e.manager.GetTransport(s.ID, s.CurrentStage)
		if err == nil {
			response, err = mt.SendAndReceive(tc.Data, s.Config.Timeout)
		}
	} else {
		response, err = transport.SendAndReceive(transport.EphemeralConfig{
			Target:           s.Config.Target,
			Protocol:         s.Config.Transport,
			Timeout:          s.Config.Timeout,
			MaxResponseBytes: e.maxResponseBytes,
			ReadBufferSize:   e.readBufferSize,
		}, tc.Data)
	}

	tc.ExecutionTimeMs = float64(time.Since(start).Microseconds()) / 1000.0

	verdict := e.classify(s, err, response, parseFields)
	tc.Verdict = verdict
	tc.Response = response
	return verdict, response
}

func (e *Executor) useManaged(s *Session) bool {
	return e.manager != nil && s.Config.ConnectionMode != transport.ModePerTest && s.Config.HasOrchestratedStack
}

func (e *Executor) classify(s *Session, err error, response []byte, parseFields func([]byte) (map[string]any, bool)) statemodel.Verdict {
	switch {
	case err == nil:
		// fall through to response validation below

	case isConnectionRefused(err):
		if s.ErrorMessage == "" {
			s.ErrorMessage = "Connection refused to " + s.Config.Target.Host + ": " + ConnectionRefusedGuidance
		}
		logger.Error("target connection refused", "session_id", s.ID, "target_host", s.Config.Target.Host, "target_port", s.Config.Target.Port)
		return statemodel.VerdictCrash

	case isConnectionTimeout(err) || isReceiveTimeout(err):
		return statemodel.VerdictHang

	default:
		logger.Error("transport error", "session_id", s.ID, "error", err)
		return statemodel.VerdictCrash
	}

	if len(response) == 0 || e.validateResponse == nil {
		return statemodel.VerdictPass
	}

	fields, ok := parseFields(response)
	if !ok {
		return statemodel.VerdictPass
	}
	if e.validateResponse(fields) {
		return statemodel.VerdictPass
	}
	return statemodel.VerdictLogicalFailure
}

func isConnectionRefused(err error) bool {
	var e *transport.ConnectionRefusedError
	return errors.As(err, &e)
}

func isConnectionTimeout(err error) bool {
	var e *transport.ConnectionTimeoutError
	return errors.As(err, &e)
}

func isReceiveTimeout(err error) bool {
	var e *transport.ReceiveTimeoutError
	return errors.As(err, &e)
}
