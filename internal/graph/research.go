package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/loomhq/loom/internal/checkpoint"
	"github.com/loomhq/loom/internal/common/config"
	"github.com/loomhq/loom/internal/common/logger"
)

// ResearchGraphID names the two-phase research graph.
const ResearchGraphID = "research"

// Node names of the research graph.
const (
	NodeBrief      = "brief"
	NodeResearch   = "research"
	NodeReport     = "report"
	NodeResearcher = "researcher"
)

const (
	// maxWorkerSteps bounds each researcher's tool loop.
	maxWorkerSteps = 15
	// maxResearchTopics bounds the fan-out width regardless of how many
	// topics the planning turn requests.
	maxResearchTopics = 10
	// defaultResearchWorkers is used when the config carries no worker limit.
	defaultResearchWorkers = 5
)

const (
	briefSystemPrompt = "You are a research lead. Break the request into focused topics and " +
		"delegate each with the conduct_research tool. Reply with a short research brief."
	researcherSystemPrompt = "You are a researcher. Investigate the assigned topic with the " +
		"available tools and reply with your findings."
	reportSystemPrompt = "You are a writer. Compose the final report from the research brief " +
		"and the researchers' notes."
)

var conductResearchSpec = ToolSpec{
	Name:        "conduct_research",
	Description: "Delegate one research topic to a parallel researcher.",
	Schema: map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"topic": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"topic"},
	},
}

// ResearchFactory returns the factory for the research graph: a planning
// turn, a fan-out of parallel researchers, and a report turn. Human-in-the-
// loop pauses hang off the node boundaries via interrupt lists.
func ResearchFactory(model ModelClient, tools ToolSet, cfg config.GraphConfig, log *logger.Logger) Factory {
	workers := cfg.MaxConcurrentWorkers
	if workers <= 0 {
		workers = defaultResearchWorkers
	}
	return func(p Params) (Graph, error) {
		return &researchGraph{
			model:      model,
			tools:      tools,
			saver:      p.Checkpointer,
			config:     p.Config,
			maxWorkers: workers,
			logger:     log.WithFields(zap.String("component", "graph"), zap.String("graph_id", ResearchGraphID)),
		}, nil
	}
}

type researchGraph struct {
	model      ModelClient
	tools      ToolSet
	saver      checkpoint.Saver
	config     map[string]interface{}
	maxWorkers int
	logger     *logger.Logger
}

func (g *researchGraph) ID() string { return ResearchGraphID }

func (g *researchGraph) Stream(ctx context.Context, req *Request, emit Emit) (*Result, error) {
	state := append([]Message(nil), req.Messages...)
	configurable := mergedConfigurable(req, g.config)
	threadID := stringField(configurable, "thread_id")

	// Phase 1: plan.
	if hasNode(req.InterruptBefore, NodeBrief) {
		return interruptedResult(state, NodeBrief, nil), nil
	}
	resp, err := modelTurn(ctx, g.model, &ModelRequest{
		System:   briefSystemPrompt,
		Messages: state,
		Tools:    []ToolSpec{conductResearchSpec},
	}, NodeBrief, 1, "", emit)
	if err != nil {
		return nil, err
	}
	state = append(state, resp.Message)
	brief := resp.Message.Content
	topics := g.topics(resp.Message, state)

	if err := emit(&Event{
		Type:   EventNodeUpdate,
		Node:   NodeBrief,
		Step:   1,
		Update: map[string]interface{}{"research_brief": brief, "topics": topics},
	}); err != nil {
		return nil, err
	}
	parentID, err := putCheckpoint(ctx, g.saver, threadID, "", "", state, NodeBrief, 1)
	if err != nil {
		return nil, err
	}

	planValue := map[string]interface{}{"research_brief": brief, "topics": topics}
	if hasNode(req.InterruptAfter, NodeBrief) || hasNode(req.InterruptBefore, NodeResearch) {
		res := interruptedResult(state, NodeResearch, planValue)
		res.Values = planValue
		return res, nil
	}

	// Phase 2: fan out one researcher per topic.
	notes, err := g.fanOut(ctx, threadID, topics, emit)
	if err != nil {
		return nil, err
	}
	if err := emit(&Event{
		Type:   EventNodeUpdate,
		Node:   NodeResearch,
		Step:   2,
		Update: map[string]interface{}{"notes": notes},
	}); err != nil {
		return nil, err
	}
	values := map[string]interface{}{"research_brief": brief, "notes": notes}
	if hasNode(req.InterruptAfter, NodeResearch) {
		res := interruptedResult(state, NodeResearch, map[string]interface{}{"notes": notes})
		res.Values = values
		return res, nil
	}

	// Phase 3: report.
	if hasNode(req.InterruptBefore, NodeReport) {
		res := interruptedResult(state, NodeReport, nil)
		res.Values = values
		return res, nil
	}
	report, err := modelTurn(ctx, g.model, &ModelRequest{
		System:   reportPrompt(brief, notes),
		Messages: state,
	}, NodeReport, 3, "", emit)
	if err != nil {
		return nil, err
	}
	state = append(state, report.Message)
	if _, err := putCheckpoint(ctx, g.saver, threadID, "", parentID, state, NodeReport, 3); err != nil {
		return nil, err
	}

	res := &Result{Messages: state, Values: values}
	if hasNode(req.InterruptAfter, NodeReport) {
		res.Interrupts = []Interrupt{{ID: report.Message.ID, Node: NodeReport}}
	}
	return res, nil
}

// topics reads the delegated topics from the planning turn's tool calls,
// falling back to the last human message when the model delegated nothing.
func (g *researchGraph) topics(planning Message, state []Message) []string {
	topics := make([]string, 0, len(planning.ToolCalls))
	for _, call := range planning.ToolCalls {
		if call.Name != conductResearchSpec.Name {
			continue
		}
		if topic, ok := call.Args["topic"].(string); ok && strings.TrimSpace(topic) != "" {
			topics = append(topics, topic)
		}
	}
	if len(topics) > maxResearchTopics {
		g.logger.Warn("capping research topics",
			zap.Int("requested", len(topics)),
			zap.Int("cap", maxResearchTopics))
		topics = topics[:maxResearchTopics]
	}
	if len(topics) == 0 {
		if last := LastMessageOfType(state, TypeHuman); last != nil {
			topics = append(topics, last.Content)
		} else if planning.Content != "" {
			topics = append(topics, planning.Content)
		}
	}
	return topics
}

// fanOut runs one researcher per topic in parallel, bounded by the
// configured worker limit. Each researcher streams under its own checkpoint
// namespace so deltas from concurrent workers stay attributable.
func (g *researchGraph) fanOut(ctx context.Context, threadID string, topics []string, emit Emit) ([]string, error) {
	notes := make([]string, len(topics))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.maxWorkers)
	for i, topic := range topics {
		eg.Go(func() error {
			note, err := g.runWorker(ctx, threadID, i, topic, emit)
			if err != nil {
				return fmt.Errorf("researcher %d: %w", i, err)
			}
			notes[i] = note
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return notes, nil
}

// runWorker is one researcher: a bounded tool loop on the assigned topic.
func (g *researchGraph) runWorker(ctx context.Context, threadID string, index int, topic string, emit Emit) (string, error) {
	ns := fmt.Sprintf("%s:%d", NodeResearcher, index)
	msgs := []Message{NewMessage(TypeHuman, topic)}

	var specs []ToolSpec
	if g.tools != nil {
		specs = g.tools.Specs()
	}

	parentID := ""
	note := ""
	for step := 1; step <= maxWorkerSteps; step++ {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		resp, err := modelTurn(ctx, g.model, &ModelRequest{
			System:   researcherSystemPrompt,
			Messages: msgs,
			Tools:    specs,
		}, NodeResearcher, step, ns, emit)
		if err != nil {
			return "", err
		}
		msgs = append(msgs, resp.Message)
		note = resp.Message.Content

		parentID, err = putCheckpoint(ctx, g.saver, threadID, ns, parentID, msgs, NodeResearcher, step)
		if err != nil {
			return "", err
		}
		if len(resp.Message.ToolCalls) == 0 || g.tools == nil {
			break
		}
		for _, call := range resp.Message.ToolCalls {
			content, err := g.tools.Call(ctx, call)
			if err != nil {
				g.logger.Warn("research tool failed",
					zap.String("tool", call.Name),
					zap.Int("researcher", index),
					zap.Error(err))
				content = fmt.Sprintf("tool %s failed: %v", call.Name, err)
			}
			msgs = append(msgs, Message{
				ID:         uuid.New().String(),
				Type:       TypeTool,
				Content:    content,
				Name:       call.Name,
				ToolCallID: call.ID,
			})
		}
	}
	return note, nil
}

func reportPrompt(brief string, notes []string) string {
	var b strings.Builder
	b.WriteString(reportSystemPrompt)
	if brief != "" {
		b.WriteString("\n\nResearch brief:\n")
		b.WriteString(brief)
	}
	if len(notes) > 0 {
		b.WriteString("\n\nNotes:")
		for _, note := range notes {
			b.WriteString("\n- ")
			b.WriteString(note)
		}
	}
	return b.String()
}
