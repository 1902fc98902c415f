// Package relay forwards one tool's latest response to another tool as a
// review prompt, recording both sides of the exchange in the conversation
// log.
package relay

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/toolmux/toolmux/internal/common/logger"
	"github.com/toolmux/toolmux/internal/process"
	"github.com/toolmux/toolmux/internal/session"
	"github.com/toolmux/toolmux/internal/tracing"
)

// ErrNothingToForward is returned when the source tool has no recorded
// response yet.
var ErrNothingToForward = errors.New("nothing to forward")

// Relay wires the supervisor and the conversation log together.
type Relay struct {
	sup    *process.Supervisor
	store  session.Store
	logger *logger.Logger
}

// New creates a relay over the given supervisor and conversation log.
func New(sup *process.Supervisor, store session.Store, log *logger.Logger) *Relay {
	return &Relay{
		sup:    sup,
		store:  store,
		logger: log.WithFields(zap.String("component", "relay")),
	}
}

// BuildEnvelope wraps a response in the fixed relay prompt. extra, when
// non-empty, is appended as additional context.
func BuildEnvelope(displayName, content, extra string) string {
	envelope := fmt.Sprintf(
		"Another AI assistant (%s) provided this response. Please review and share your thoughts:\n\n---\n%s\n---",
		displayName, content)
	if extra != "" {
		envelope += fmt.Sprintf("\n\nAdditional context: %s", extra)
	}
	return envelope
}

// Forward sends fromTool's latest response to toTool and returns toTool's
// reply. The forwarded prompt is logged as a user message for toTool before
// sending; a failed send removes it again so the log never holds half an
// exchange. A successful reply is appended as toTool's assistant message.
func (r *Relay) Forward(ctx context.Context, fromTool, toTool, extra string) (string, error) {
	ctx, span := tracing.TraceForward(ctx, fromTool, toTool)
	defer span.End()

	last, err := r.store.LastAssistant(ctx, fromTool)
	if err != nil {
		if errors.Is(err, session.ErrNoMessages) {
			err = fmt.Errorf("%w: no response from %s yet", ErrNothingToForward, fromTool)
		}
		tracing.RecordResult(span, err)
		return "", err
	}

	displayName, err := r.sup.DisplayName(fromTool)
	if err != nil {
		tracing.RecordResult(span, err)
		return "", err
	}

	envelope := BuildEnvelope(displayName, last.Content, extra)

	userMsg := session.NewMessage(session.RoleUser, toTool, envelope)
	if err := r.store.Append(ctx, userMsg); err != nil {
		tracing.RecordResult(span, err)
		return "", fmt.Errorf("failed to log forwarded prompt: %w", err)
	}

	response, err := r.sup.Send(ctx, toTool, envelope)
	if err != nil {
		// Unpair the failed exchange so the next forward starts clean.
		if removeErr := r.store.Remove(ctx, userMsg.ID); removeErr != nil {
			r.logger.Error("failed to unpair forwarded prompt",
				zap.String("message_id", userMsg.ID),
				zap.Error(removeErr))
		}
		tracing.RecordResult(span, err)
		return "", err
	}

	assistantMsg := session.NewMessage(session.RoleAssistant, toTool, response)
	if err := r.store.Append(ctx, assistantMsg); err != nil {
		tracing.RecordResult(span, err)
		return "", fmt.Errorf("failed to log response: %w", err)
	}

	r.logger.Info("response forwarded",
		zap.String("from", fromTool),
		zap.String("to", toTool),
		zap.Int("envelope_bytes", len(envelope)),
		zap.Int("response_bytes", len(response)))

	tracing.RecordResult(span, nil)
	return response, nil
}
