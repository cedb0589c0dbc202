package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	schemagen "github.com/invopop/jsonschema"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/llm"
	"github.com/ashureev/repo-agent/internal/metrics"
)

const (
	planSchemaURL = "https://github.com/ashureev/repo-agent/plan-step.schema.json"
	recentActions = 5
)

// planResponse is the document the model is asked to produce.
type planResponse struct {
	Type        string          `json:"type" jsonschema:"minLength=1,description=Step kind. Use tool for steps with sub-actions and final when the analysis is done."`
	Description string          `json:"description" jsonschema:"description=High-level description of the step"`
	Status      string          `json:"status,omitempty"`
	SubActions  []planSubAction `json:"sub_actions,omitempty"`
}

type planSubAction struct {
	Tool        string         `json:"tool" jsonschema:"minLength=1,description=One of get_tree or read_files or search_code"`
	Description string         `json:"description,omitempty" jsonschema:"description=What this sub-action does"`
	Args        map[string]any `json:"args,omitempty"`
	Order       int            `json:"order" jsonschema:"description=Execution order with lower values first"`
	Status      string         `json:"status,omitempty"`
}

const systemPrompt = `You are a Repository Analysis Agent that helps users understand GitHub repositories.
Your task is to analyze repositories, understand their structure, and generate documentation.

You have access to these tools:
1. get_tree: list the immediate children of a directory. Args: {"path": "dir/or/empty/for/root"}
2. read_files: read specific files. Args: {"paths": ["README.md", "go.mod"]}
3. search_code: search the repository for a pattern or text. Args: {"query": "text"}

For each step:
1. Determine the main objective.
2. Break it down into sub-actions using the available tools.
3. Give every sub-action an order; lower orders run first.

When the analysis is finished, respond with a step whose type is "final".

Respond with a single JSON object and nothing else. It must match this JSON Schema:
%s

Example:
{
  "type": "tool",
  "description": "Explore the project layout",
  "status": "pending",
  "sub_actions": [
    {"tool": "get_tree", "description": "List the root", "args": {"path": ""}, "order": 1, "status": "pending"},
    {"tool": "read_files", "description": "Read the readme", "args": {"paths": ["README.md"]}, "order": 2, "status": "pending"}
  ]
}

Consider the current context: files already discovered, previous actions taken, and important findings so far.`

// Planner asks the model for the next step.
type Planner struct {
	model  llm.Client
	schema *jsonschema.Schema
	prompt string
	logger *slog.Logger
	now    func() time.Time
}

// NewPlanner builds a planner around model. The response schema is reflected
// from planResponse and compiled once.
func NewPlanner(model llm.Client, logger *slog.Logger) (*Planner, error) {
	if logger == nil {
		logger = slog.Default()
	}

	r := &schemagen.Reflector{
		AllowAdditionalProperties: true,
		ExpandedStruct:            true,
		Anonymous:                 true,
	}
	doc := r.Reflect(&planResponse{})
	doc.Title = "Plan step"

	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal plan schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(planSchemaURL, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("add plan schema: %w", err)
	}
	schema, err := compiler.Compile(planSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile plan schema: %w", err)
	}

	return &Planner{
		model:  model,
		schema: schema,
		prompt: fmt.Sprintf(systemPrompt, raw),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Plan produces the next step for the given history. Malformed model output
// degrades to a freeform tool step; only a failed model call is an error.
func (p *Planner) Plan(ctx context.Context, steps []*domain.PlanStep, actx *domain.AgentContext, obs Observer) (*domain.PlanStep, error) {
	obs = orNop(obs)
	obs.Emit(ctx, StateUpdate{Logs: []domain.LogEntry{
		domain.NewLogEntry(p.now(), domain.LevelInfo, false, "Planning next step..."),
	}})

	reply, err := p.model.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: p.prompt},
		{Role: llm.RoleUser, Content: summarize(actx)},
	})
	// An empty reply is malformed output, not a failed call.
	if errors.Is(err, llm.ErrEmptyResponse) {
		reply, err = "", nil
	}
	if err != nil {
		return nil, fmt.Errorf("plan step: %w", err)
	}

	id := fmt.Sprintf("step_%d", len(steps)+1)
	step, perr := p.parse(id, reply)
	if perr != nil {
		p.logger.Warn("Planner response did not match schema, using freeform step", "step_id", id, "error", perr)
		metrics.PlannerFallback()
		step = domain.NewPlanStep(id, domain.KindTool, reply, nil)
	}

	obs.Emit(ctx, StateUpdate{Logs: []domain.LogEntry{
		domain.NewLogEntry(p.now(), domain.LevelInfo, true, "Planning complete: "+step.Description),
	}})
	return step, nil
}

func (p *Planner) parse(id, reply string) (*domain.PlanStep, error) {
	body := stripFence(reply)

	dec := json.NewDecoder(strings.NewReader(body))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if err := p.schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("validate: %w", err)
	}

	var resp planResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}

	subs := make([]*domain.SubAction, 0, len(resp.SubActions))
	for _, sa := range resp.SubActions {
		args := sa.Args
		if args == nil {
			args = map[string]any{}
		}
		subs = append(subs, &domain.SubAction{
			Tool:        sa.Tool,
			Description: sa.Description,
			Args:        args,
			Order:       sa.Order,
			Status:      domain.SubActionPending,
		})
	}
	return domain.NewPlanStep(id, domain.StepKind(resp.Type), resp.Description, subs), nil
}

// stripFence removes a single surrounding markdown code fence.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	} else {
		return strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "```"))
}

func summarize(actx *domain.AgentContext) string {
	if actx == nil {
		actx = domain.NewAgentContext(time.Time{})
	}
	var b strings.Builder
	b.WriteString("Current state:\n")
	fmt.Fprintf(&b, "- Discovered files: %s\n", formatList(actx.DiscoveredFiles))
	fmt.Fprintf(&b, "- Previous actions: %s\n", formatList(actx.RecentActions(recentActions)))
	fmt.Fprintf(&b, "- Important findings: %s\n", formatList(actx.ImportantFindings))
	fmt.Fprintf(&b, "- Total steps completed: %d\n", actx.TotalStepsCompleted)
	return b.String()
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "[]"
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return strings.Join(items, ", ")
	}
	return string(raw)
}
