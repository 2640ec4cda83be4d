package agent

import "errors"

// ErrUnknownAgent is returned when an operation references an agent_id
// that was never registered (or has since expired).
var ErrUnknownAgent = errors.New("unknown agent")
