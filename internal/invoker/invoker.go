// Package invoker answers the service's function calls from the local tool registry, after the
// policy engine has had its say.
package invoker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/xiaot623/chatlink/internal/policy"
	"github.com/xiaot623/chatlink/internal/protocol"
	"github.com/xiaot623/chatlink/internal/tools"
	"github.com/xiaot623/chatlink/internal/workflow"
)

// Error codes carried in function call responses.
const (
	CodeBlocked   = "blocked"
	CodeNotFound  = "not_found"
	CodeFailed    = "execution_failed"
	CodeCancelled = "cancelled"
	CodePolicy    = "policy_error"
)

// Responder is the part of the session the invoker answers through.
type Responder interface {
	ConversationID() string
	SendFunctionCallResponse(ctx context.Context, callID string, result json.RawMessage, ferr *protocol.FunctionError) error
}

// Invoker implements workflow.FunctionCaller and workflow.CapabilityProvider.
type Invoker struct {
	registry *tools.Registry
	policy   *policy.Engine
	logger   zerolog.Logger
	grace    time.Duration
}

var (
	_ workflow.FunctionCaller     = (*Invoker)(nil)
	_ workflow.CapabilityProvider = (*Invoker)(nil)
)

// New creates an invoker. A nil engine allows every registered function.
func New(registry *tools.Registry, engine *policy.Engine, logger zerolog.Logger) *Invoker {
	return &Invoker{
		registry: registry,
		policy:   engine,
		logger:   logger.With().Str("component", "invoker").Logger(),
		grace:    2 * time.Second,
	}
}

// Functions advertises the registry contents.
func (i *Invoker) Functions() []protocol.FunctionDescriptor { return i.registry.Functions() }

// CallByLLM runs one call and sends its response.
func (i *Invoker) CallByLLM(ctx context.Context, s *workflow.Session, functionID string, params json.RawMessage, callID string) {
	i.Invoke(ctx, s, functionID, params, callID)
}

// Invoke is CallByLLM against any Responder.
func (i *Invoker) Invoke(ctx context.Context, r Responder, functionID string, params json.RawMessage, callID string) {
	log := i.logger.With().Str("function_id", functionID).Str("call_id", callID).Logger()

	result, ferr := i.run(ctx, r, functionID, params)
	if ferr != nil {
		log.Info().Str("code", ferr.Code).Str("error", ferr.Message).Msg("function call failed")
	} else {
		log.Debug().Int("result_bytes", len(result)).Msg("function call succeeded")
	}

	// The call context may be gone; the answer still gets a short window of its own.
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), i.grace)
	defer cancel()
	if err := r.SendFunctionCallResponse(sendCtx, callID, result, ferr); err != nil {
		log.Warn().Err(err).Msg("function call response not sent")
	}
}

func (i *Invoker) run(ctx context.Context, r Responder, functionID string, params json.RawMessage) (json.RawMessage, *protocol.FunctionError) {
	if err := ctx.Err(); err != nil {
		return nil, &protocol.FunctionError{Code: CodeCancelled, Message: err.Error()}
	}
	if i.policy != nil {
		var decoded any
		if len(params) > 0 {
			if err := json.Unmarshal(params, &decoded); err != nil {
				return nil, &protocol.FunctionError{Code: CodeFailed, Message: "parameters are not valid JSON"}
			}
		}
		decision, reason, err := i.policy.Evaluate(ctx, policy.Input{
			FunctionID:     functionID,
			Parameters:     decoded,
			ConversationID: r.ConversationID(),
		})
		if err != nil {
			return nil, &protocol.FunctionError{Code: CodePolicy, Message: err.Error()}
		}
		if decision != policy.Allow {
			msg := "blocked by policy"
			if reason != "" {
				msg += ": " + reason
			}
			return nil, &protocol.FunctionError{Code: CodeBlocked, Message: msg}
		}
	}

	result, err := i.registry.Execute(ctx, functionID, params)
	switch {
	case err == nil:
		return result, nil
	case errors.Is(err, tools.ErrUnknownFunction):
		return nil, &protocol.FunctionError{Code: CodeNotFound, Message: err.Error()}
	case ctx.Err() != nil:
		return nil, &protocol.FunctionError{Code: CodeCancelled, Message: ctx.Err().Error()}
	default:
		return nil, &protocol.FunctionError{Code: CodeFailed, Message: err.Error()}
	}
}
