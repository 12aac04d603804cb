package dag

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/mcpgate/gateway/api"
	"github.com/mcpgate/gateway/errorkind"
	"github.com/mcpgate/gateway/registry"
)

// CapabilityThreshold is the minimum similarity score (spec §4.4.1) above
// which a matched capability is reused directly rather than synthesizing a
// fresh plan.
const CapabilityThreshold = 0.7

// MessagesClient is the subset of the Anthropic SDK client the synthesizer
// uses, satisfied by *sdk.MessageService or a test double.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
}

// Suggester turns a natural-language intent into a compiled Plan, first by
// trying to reuse a learned capability and otherwise by synthesizing a
// fresh DAG from the top-ranked tools (spec §4.4.1).
type Suggester struct {
	tools        *registry.HybridSearcher
	capabilities *registry.CapabilityStore
	llm          MessagesClient
	model        string
}

func NewSuggester(tools *registry.HybridSearcher, capabilities *registry.CapabilityStore, llm MessagesClient, model string) *Suggester {
	return &Suggester{tools: tools, capabilities: capabilities, llm: llm, model: model}
}

// Suggest returns a compiled Plan for intent plus, when a capability was
// reused, its id (empty otherwise).
func (s *Suggester) Suggest(ctx context.Context, intent string) (*Plan, string, error) {
	if s.capabilities != nil {
		matches, err := s.capabilities.Search(ctx, intent, 1)
		if err == nil && len(matches) > 0 && matches[0].Similarity >= CapabilityThreshold {
			plan, err := Compile(matches[0].Capability.Plan)
			if err == nil {
				return plan, matches[0].Capability.ID, nil
			}
		}
	}

	tasks, err := s.synthesize(ctx, intent)
	if err != nil {
		return nil, "", err
	}
	plan, err := Compile(tasks)
	if err != nil {
		return nil, "", err
	}
	return plan, "", nil
}

// synthesize asks the configured LLM to propose a task list over the
// top-ranked candidate tools for intent; the proposal is never trusted
// blindly, it is always re-validated by Compile.
func (s *Suggester) synthesize(ctx context.Context, intent string) ([]api.TaskSpec, error) {
	if s.llm == nil {
		return nil, errorkind.New(errorkind.Dependency, "no tool combination satisfies intent and no synthesizer is configured: "+intent)
	}

	candidates, err := s.tools.Search(ctx, intent, registry.SearchOptions{MaxResults: 15})
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, errorkind.New(errorkind.Dependency, "no candidate tools found for intent: "+intent)
	}

	prompt := buildSynthesisPrompt(intent, candidates)
	msg, err := s.llm.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(s.model),
		MaxTokens: 2048,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Dependency, err, "dag synthesis request failed")
	}

	text := extractText(msg)
	tasks, err := parseSynthesizedTasks(text)
	if err != nil {
		return nil, errorkind.Wrap(errorkind.Validation, err, "dag synthesis returned an unusable plan")
	}
	return tasks, nil
}

func buildSynthesisPrompt(intent string, candidates []registry.ScoredTool) string {
	var b strings.Builder
	b.WriteString("Given the intent below and the candidate tools (each \"server:tool\" with its input schema), ")
	b.WriteString("propose a JSON array of tasks that accomplishes the intent. Each task must have: ")
	b.WriteString("\"id\" (short unique string), \"kind\" (\"tool-call\"), \"target\" (\"server:tool\"), ")
	b.WriteString("\"input_args\" (object; use \"$taskID\" or \"$taskID.field\" to reference a prior task's output), ")
	b.WriteString("\"depends_on\" (array of task ids). Respond with ONLY the JSON array, no prose.\n\n")
	fmt.Fprintf(&b, "Intent: %s\n\nCandidate tools:\n", intent)
	for _, c := range candidates {
		schema, _ := json.Marshal(c.Descriptor.InputSchema)
		fmt.Fprintf(&b, "- %s: %s (schema: %s)\n", c.Descriptor.ID(), c.Descriptor.Description, schema)
	}
	return b.String()
}

func extractText(msg *sdk.Message) string {
	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// synthesizedTask mirrors api.TaskSpec's JSON shape as produced by the LLM,
// which cannot be trusted to match Go field names exactly.
type synthesizedTask struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Target    string         `json:"target"`
	InputArgs map[string]any `json:"input_args"`
	DependsOn []string       `json:"depends_on"`
}

func parseSynthesizedTasks(text string) ([]api.TaskSpec, error) {
	start := strings.IndexByte(text, '[')
	end := strings.LastIndexByte(text, ']')
	if start < 0 || end < 0 || end < start {
		return nil, fmt.Errorf("no JSON array found in synthesis response")
	}
	var raw []synthesizedTask
	if err := json.Unmarshal([]byte(text[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("decode synthesized tasks: %w", err)
	}
	if len(raw) == 0 {
		return nil, fmt.Errorf("synthesis returned zero tasks")
	}
	tasks := make([]api.TaskSpec, 0, len(raw))
	for _, t := range raw {
		kind := api.TaskKind(t.Kind)
		if kind == "" {
			kind = api.TaskToolCall
		}
		tasks = append(tasks, api.TaskSpec{
			ID:        t.ID,
			Kind:      kind,
			Target:    t.Target,
			InputArgs: t.InputArgs,
			DependsOn: t.DependsOn,
		})
	}
	return tasks, nil
}
