package service

import (
	"context"
	"fmt"

	"github.com/loomhq/loom/internal/auth"
	"github.com/loomhq/loom/internal/graph"
	"github.com/loomhq/loom/internal/runtime/dto"
	"github.com/loomhq/loom/internal/runtime/models"
)

// ExecuteRun is the protocol adapters' entry point: one user message in, the
// run's closing AI reply out. An empty threadID executes against an ephemeral
// thread that is deleted once the run settles, so one-shot protocol calls
// leave nothing behind; a non-empty threadID continues (or creates) that
// conversation.
func (s *Scheduler) ExecuteRun(ctx context.Context, user auth.AuthUser, assistantID, threadID, message string) (string, error) {
	req := &dto.RunCreate{
		AssistantID: assistantID,
		Input:       map[string]interface{}{"messages": message},
		IfNotExists: dto.IfNotExistsCreate,
	}
	opts := StartOptions{}
	if threadID == "" {
		opts.Stateless = true
		req.OnCompletion = models.OnCompletionDelete
	}

	sr, result, err := s.RunWait(ctx, user, threadID, req, opts)
	if err != nil {
		return "", err
	}

	reply := graph.LastMessageOfType(result.Messages, graph.TypeAI)
	if reply == nil {
		return "", fmt.Errorf("run %s finished without an assistant reply: %w", sr.Run.RunID, ErrUpstream)
	}
	return reply.Content, nil
}
