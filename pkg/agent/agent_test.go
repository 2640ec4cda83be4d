package agent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/protofuzz/protofuzz/pkg/transport"
)

func TestManagerRegisterAndHeartbeat(t *testing.T) {
	m := NewManager(0)

	status := m.RegisterAgent("agent-1", "host-a", "10.0.0.1", 9000, transport.ProtocolTCP)
	require.True(t, status.IsAlive)

	updated, ok := m.Heartbeat("agent-1", 12.5, 256, 3)
	require.True(t, ok)
	require.Equal(t, 12.5, updated.CPUUsage)
	require.Equal(t, 3, updated.ActiveTestCount)

	_, ok = m.Heartbeat("no-such-agent", 0, 0, 0)
	require.False(t, ok)
}

func TestManagerHasAgentForTarget(t *testing.T) {
	m := NewManager(0)
	require.False(t, m.HasAgentForTarget("10.0.0.1", 9000, transport.ProtocolTCP))

	m.RegisterAgent("agent-1", "host-a", "10.0.0.1", 9000, transport.ProtocolTCP)
	require.True(t, m.HasAgentForTarget("10.0.0.1", 9000, transport.ProtocolTCP))
	require.False(t, m.HasAgentForTarget("10.0.0.1", 9001, transport.ProtocolTCP))
}

func TestManagerEnqueueAndRequestWork(t *testing.T) {
	m := NewManager(0)
	m.RegisterAgent("agent-1", "host-a", "10.0.0.1", 9000, transport.ProtocolTCP)

	work := WorkItem{
		SessionID:  "sess-1",
		TestCaseID: "case-1",
		TargetHost: "10.0.0.1",
		TargetPort: 9000,
		Transport:  transport.ProtocolTCP,
		Payload:    []byte{0x01, 0x02},
		TimeoutMs:  1000,
	}
	require.NoError(t, m.EnqueueTestCase(context.Background(), work))

	got, ok := m.RequestWork("agent-1", 100*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, work.TestCaseID, got.TestCaseID)

	m.CompleteWork(got.TestCaseID)
}

func TestManagerRequestWorkTimesOutWithNoWork(t *testing.T) {
	m := NewManager(0)
	m.RegisterAgent("agent-1", "host-a", "10.0.0.1", 9000, transport.ProtocolTCP)

	_, ok := m.RequestWork("agent-1", 20*time.Millisecond)
	require.False(t, ok)
}

func TestManagerRequestWorkFromUnknownAgent(t *testing.T) {
	m := NewManager(0)
	_, ok := m.RequestWork("ghost", 10*time.Millisecond)
	require.False(t, ok)
}

func TestManagerClearSessionDrainsOnlyMatchingItems(t *testing.T) {
	m := NewManager(0)
	m.RegisterAgent("agent-1", "host-a", "10.0.0.1", 9000, transport.ProtocolTCP)

	keep := WorkItem{SessionID: "keep-me", TestCaseID: "a", TargetHost: "10.0.0.1", TargetPort: 9000, Transport: transport.ProtocolTCP}
	drop := WorkItem{SessionID: "drop-me", TestCaseID: "b", TargetHost: "10.0.0.1", TargetPort: 9000, Transport: transport.ProtocolTCP}
	require.NoError(t, m.EnqueueTestCase(context.Background(), keep))
	require.NoError(t, m.EnqueueTestCase(context.Background(), drop))

	m.ClearSession("drop-me")

	got, ok := m.RequestWork("agent-1", 50*time.Millisecond)
	require.True(t, ok)
	require.Equal(t, "keep-me", got.SessionID)

	_, ok = m.RequestWork("agent-1", 20*time.Millisecond)
	require.False(t, ok, "drop-me's item should have been discarded")
}

func TestTokenServiceIssueAndValidate(t *testing.T) {
	svc, err := NewTokenService(TokenConfig{Secret: "a-secret-at-least-32-bytes-long!"})
	require.NoError(t, err)

	target := transport.Target{Host: "10.0.0.1", Port: 9000}
	token, expiresAt, err := svc.IssueToken("agent-1", target, transport.ProtocolTCP)
	require.NoError(t, err)
	require.True(t, expiresAt.After(time.Now()))

	claims, err := svc.ValidateToken(token)
	require.NoError(t, err)
	require.Equal(t, "agent-1", claims.AgentID)
	require.Equal(t, "10.0.0.1", claims.TargetHost)
	require.Equal(t, 9000, claims.TargetPort)
}

func TestTokenServiceRejectsShortSecret(t *testing.T) {
	_, err := NewTokenService(TokenConfig{Secret: "too-short"})
	require.ErrorIs(t, err, ErrInvalidSecretLength)
}

func TestTokenServiceRejectsTamperedToken(t *testing.T) {
	svc, err := NewTokenService(TokenConfig{Secret: "a-secret-at-least-32-bytes-long!"})
	require.NoError(t, err)

	token, _, err := svc.IssueToken("agent-1", transport.Target{Host: "h", Port: 1}, transport.ProtocolTCP)
	require.NoError(t, err)

	_, err = svc.ValidateToken(token + "tampered")
	require.ErrorIs(t, err, ErrInvalidToken)
}
