package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/go-faster/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/pandalabs/panda-mcp/internal/gate/audit"
	"github.com/pandalabs/panda-mcp/internal/gate/credential"
	"github.com/pandalabs/panda-mcp/internal/gate/validate"
)

// Options carries the pipeline's cross-cutting dependencies.
type Options struct {
	// Logger is used for rejection diagnostics. Defaults to zap.NewNop.
	Logger *zap.Logger
	// Meter, when set, registers the outcome counter and latency histogram.
	Meter metric.Meter
}

// Pipeline runs every inbound tool call through the fixed stage order
// authenticate, admit, validate, execute, and writes exactly one audit
// record per request whichever way it ends. Stage toggles live inside the
// injected components; the pipeline itself is branch-free.
type Pipeline struct {
	creds     CredentialResolver
	limiter   Admitter
	validator ParamValidator
	auditor   Auditor
	exec      Executor

	lg  *zap.Logger
	now func() time.Time

	requests metric.Int64Counter
	latency  metric.Float64Histogram
}

// New wires a pipeline. All five dependencies are required.
func New(creds CredentialResolver, limiter Admitter, validator ParamValidator, auditor Auditor, exec Executor, opts Options) *Pipeline {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	p := &Pipeline{
		creds:     creds,
		limiter:   limiter,
		validator: validator,
		auditor:   auditor,
		exec:      exec,
		lg:        opts.Logger,
		now:       time.Now,
	}
	if opts.Meter != nil {
		var err error
		p.requests, err = opts.Meter.Int64Counter("gate.requests",
			metric.WithDescription("Gated tool invocations by terminal outcome"))
		if err != nil {
			opts.Logger.Warn("register gate request counter", zap.Error(err))
		}
		p.latency, err = opts.Meter.Float64Histogram("gate.request.duration",
			metric.WithDescription("Gated tool invocation latency"),
			metric.WithUnit("s"))
		if err != nil {
			opts.Logger.Warn("register gate latency histogram", zap.Error(err))
		}
	}
	return p
}

// Handle gates one request. On success the result carries the executor's
// value; on failure the returned error is always a *Error. In both cases
// exactly one audit record has been written by the time Handle returns.
func (p *Pipeline) Handle(ctx context.Context, req Request) (*Result, error) {
	received := p.now()
	digest := ParamDigest(req.Params)

	reject := func(identity, keyHint, detail string, e *Error) (*Result, error) {
		seq := p.finish(ctx, received, req, identity, keyHint, digest, detail, e)
		p.lg.Debug("request rejected",
			zap.String("tool", req.Tool),
			zap.String("identity", identity),
			zap.String("kind", string(e.Kind)),
			zap.Uint64("seq", seq),
		)
		return nil, e
	}

	// RECEIVED -> AUTHENTICATED
	cred, err := p.creds.Resolve(req.APIKey)
	if err != nil {
		return reject(audit.UnresolvedIdentity, credential.KeyDigest(req.APIKey), "",
			&Error{Kind: KindUnauthorized, Message: "invalid API key"})
	}
	identity := cred.Identity
	if !cred.AllowsTool(req.Tool) {
		return reject(identity, "", "scope",
			&Error{Kind: KindUnauthorized, Message: fmt.Sprintf("API key does not grant access to %q", req.Tool)})
	}

	// AUTHENTICATED -> ADMITTED
	if d := p.limiter.Admit(identity); !d.Admitted {
		return reject(identity, "", "", &Error{
			Kind:       KindRateLimited,
			Message:    fmt.Sprintf("rate limit exceeded, retry in %.1fs", d.RetryAfter.Seconds()),
			RetryAfter: d.RetryAfter,
		})
	}

	// ADMITTED -> VALIDATED
	if err := p.validator.Validate(req.Tool, req.Params); err != nil {
		e := &Error{Kind: KindBadInput, Message: err.Error()}
		var verr *validate.Error
		if errors.As(err, &verr) {
			e.Field = verr.Field
		}
		return reject(identity, "", e.Field, e)
	}

	// VALIDATED -> EXECUTED. No gate lock is held across this call; it may
	// block on backend I/O for a long time.
	value, err := p.exec.Execute(ctx, req.Tool, req.Params, identity)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return reject(identity, "", "", &Error{Kind: KindCancelled, Message: "request cancelled before completion"})
		}
		return reject(identity, "", truncate(err.Error(), 256),
			&Error{Kind: KindExecutionError, Message: "tool execution failed"})
	}

	// EXECUTED -> COMPLETED. A result that arrived before cancellation was
	// observed still completes.
	seq := p.finish(ctx, received, req, identity, "", digest, "", nil)
	return &Result{State: StateCompleted, Seq: seq, Identity: identity, Value: value}, nil
}

// finish writes the single audit record for the request and updates the
// pipeline metrics. e == nil means the request completed.
func (p *Pipeline) finish(ctx context.Context, received time.Time, req Request, identity, keyHint, digest, detail string, e *Error) uint64 {
	latency := p.now().Sub(received)

	outcome := audit.OutcomeCompleted
	var retryAfter time.Duration
	if e != nil {
		outcome = outcomeFor(e.Kind)
		retryAfter = e.RetryAfter
	}

	seq := p.auditor.Record(audit.Entry{
		Time:        received,
		RequestID:   req.RequestID,
		Identity:    identity,
		KeyHint:     keyHint,
		Tool:        req.Tool,
		ParamDigest: digest,
		Outcome:     outcome,
		Detail:      detail,
		RetryAfter:  retryAfter,
		Latency:     latency,
	})

	attrs := metric.WithAttributes(attribute.String("outcome", string(outcome)))
	if p.requests != nil {
		p.requests.Add(ctx, 1, attrs)
	}
	if p.latency != nil {
		p.latency.Record(ctx, latency.Seconds(), attrs)
	}
	return seq
}

// outcomeFor maps a rejection kind to its audit outcome.
func outcomeFor(k ErrorKind) audit.Outcome {
	switch k {
	case KindUnauthorized:
		return audit.OutcomeUnauthorized
	case KindRateLimited:
		return audit.OutcomeRateLimited
	case KindBadInput:
		return audit.OutcomeBadInput
	case KindCancelled:
		return audit.OutcomeCancelled
	default:
		return audit.OutcomeExecutionError
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
