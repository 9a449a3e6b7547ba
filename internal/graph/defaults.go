package graph

import (
	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
)

// RegisterBuiltins registers the startup graphs: the default ReAct agent and
// the fan-out research graph. Both are deferred so cold start stays cheap.
func RegisterBuiltins(r *Registry, model ModelClient, tools ToolSet, cfg config.GraphConfig, log *logger.Logger) error {
	if err := r.RegisterDeferred(DefaultGraphID, func() (Factory, error) {
		return AgentFactory(model, tools, log), nil
	}); err != nil {
		return err
	}
	return r.RegisterDeferred(ResearchGraphID, func() (Factory, error) {
		return ResearchFactory(model, tools, cfg, log), nil
	})
}
