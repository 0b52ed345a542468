// Package gate implements the request-gating pipeline every tool invocation
// passes through: authentication, admission control, parameter validation,
// execution, and audit record-keeping.
package gate

import (
	"context"

	"github.com/pandalabs/panda-mcp/internal/gate/audit"
	"github.com/pandalabs/panda-mcp/internal/gate/credential"
	"github.com/pandalabs/panda-mcp/internal/gate/ratelimit"
)

// State is a pipeline position. A request advances through the states in
// order and terminates in StateCompleted or StateRejected.
type State uint8

const (
	StateReceived State = iota
	StateAuthenticated
	StateAdmitted
	StateValidated
	StateExecuted
	StateCompleted
	StateRejected
)

var stateNames = [...]string{
	StateReceived:      "received",
	StateAuthenticated: "authenticated",
	StateAdmitted:      "admitted",
	StateValidated:     "validated",
	StateExecuted:      "executed",
	StateCompleted:     "completed",
	StateRejected:      "rejected",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Request is one inbound tool invocation. APIKey is the raw presented
// credential material; it never reaches logs or audit records.
type Request struct {
	Tool      string
	Params    map[string]any
	APIKey    string
	RequestID string
}

// Result carries a completed request's outcome.
type Result struct {
	State    State
	Seq      uint64 // audit sequence number
	Identity string
	Value    any
}

// CredentialResolver authenticates presented keys. Implemented by
// credential.Store.
type CredentialResolver interface {
	Resolve(presented string) (credential.Credential, error)
}

// Admitter performs rate-limit admission. Implemented by ratelimit.Limiter.
type Admitter interface {
	Admit(identity string) ratelimit.Decision
}

// ParamValidator checks tool parameters. Implemented by validate.Validator.
type ParamValidator interface {
	Validate(tool string, params map[string]any) error
}

// Auditor appends one record per finished request. Implemented by
// audit.Recorder.
type Auditor interface {
	Record(e audit.Entry) uint64
}

// Executor runs the tool once the request has passed every gate. The
// pipeline treats it as opaque and never retries it.
type Executor interface {
	Execute(ctx context.Context, tool string, params map[string]any, identity string) (any, error)
}
