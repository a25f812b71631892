package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rs/zerolog"

	"github.com/polzovatel/browser-autopilot/internal/llm"
	"github.com/polzovatel/browser-autopilot/internal/session"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
	"github.com/polzovatel/browser-autopilot/internal/tools"
)

const systemPrompt = `You are a careful browser automation planner.
RULES:
1. Use ONLY the listed tools.
2. Respond with a SINGLE JSON object and NOTHING else:
   {"actions":[{"tool":"...","params":{...},"description":"..."}],"taskComplete":false,"result":"","currentStep":"..."}
3. Plan 1-3 actions. Later actions run only if earlier ones succeed.
4. Take selectors from page.elements[].selector. Never invent ids.
5. Set taskComplete=true only when the task is done, and put the concrete answer or a
   description of what was done in result (at least one full sentence).
6. When context.stuck or context.forceAlternative is true, do NOT repeat recent actions:
   pick another element, another tool, scroll, or navigate elsewhere.
7. Read context.failures before reusing a selector; those selectors already failed.
8. For CAPTCHAs use solve_captcha. For risky actions (payment/delete) stop and report.`

// Planner proposes the next actions for a session.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (PlanResponse, error)
}

type PlanRequest struct {
	Task     string         `json:"task"`
	State    snapshot.State `json:"-"`
	Settings map[string]any `json:"settings,omitempty"`
	Context  PlanContext    `json:"context"`
}

// PlanContext is the accumulated history handed to the planner each
// iteration.
type PlanContext struct {
	Iteration         int                    `json:"iteration"`
	CurrentURL        string                 `json:"currentUrl"`
	RecentActions     []session.ActionRecord `json:"recentActions,omitempty"`
	Stuck             bool                   `json:"stuck"`
	StuckCounter      int                    `json:"stuckCounter"`
	DigestChanged     bool                   `json:"digestChanged"`
	URLChanged        bool                   `json:"urlChanged"`
	Failures          []FailureSummary       `json:"failures,omitempty"`
	ForceAlternative  bool                   `json:"forceAlternative"`
	RecentURLs        []session.URLVisit     `json:"recentUrls,omitempty"`
	RepeatedSequences []SequenceSummary      `json:"repeatedSequences,omitempty"`
	RecentSequences   []string               `json:"recentSequences,omitempty"`
	Patterns          []string               `json:"patterns,omitempty"`
	Strategies        []string               `json:"strategies,omitempty"`
	Feedback          string                 `json:"feedback,omitempty"`
}

type FailureSummary struct {
	Signature string `json:"signature"`
	Tool      string `json:"tool"`
	Count     int    `json:"count"`
	LastError string `json:"lastError,omitempty"`
}

type SequenceSummary struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// PlanResponse is the planner's answer. Missing fields are zero values.
type PlanResponse struct {
	Actions      []session.Action `json:"actions"`
	TaskComplete bool             `json:"taskComplete"`
	Result       string           `json:"result"`
	CurrentStep  string           `json:"currentStep"`
}

// LLMPlanner asks an llm.Client for the next actions.
type LLMPlanner struct {
	llm         llm.Client
	tools       []tools.Tool
	temperature float32
	logger      zerolog.Logger
}

func NewLLMPlanner(client llm.Client, catalogue []tools.Tool, temperature float32, logger zerolog.Logger) *LLMPlanner {
	return &LLMPlanner{llm: client, tools: catalogue, temperature: temperature, logger: logger}
}

func (p *LLMPlanner) Plan(ctx context.Context, req PlanRequest) (PlanResponse, error) {
	payload := map[string]any{
		"task":    req.Task,
		"page":    req.State.ToMap(),
		"context": req.Context,
		"tools":   p.tools,
	}
	if len(req.Settings) > 0 {
		payload["settings"] = req.Settings
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return PlanResponse{}, err
	}
	msg := fmt.Sprintf("STATE:\n%s\n\n%s\n", string(raw), guidance(req))
	resp, err := p.llm.Generate(ctx, llm.Request{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: msg}},
		Temperature: p.temperature,
	})
	if err != nil {
		return PlanResponse{}, fmt.Errorf("planner: %w", err)
	}
	plan, err := parsePlan(resp.Text)
	if err != nil {
		p.logger.Debug().Str("raw", resp.Text).Msg("unparseable plan")
		return PlanResponse{}, fmt.Errorf("planner: %w", err)
	}
	return plan, nil
}

func guidance(req PlanRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SNAPSHOT: URL=%s, Title=%s, Elements=%d.", req.State.URL, req.State.Title, len(req.State.Elements))
	if len(req.State.Elements) < 5 {
		b.WriteString(" Few elements are visible: scroll, wait or extract_text to explore the page.")
	}
	if req.Context.Stuck || req.Context.ForceAlternative {
		b.WriteString(" You are repeating yourself without progress. Choose a DIFFERENT approach.")
	}
	if req.Context.Feedback != "" {
		b.WriteString(" Your last completion claim was rejected: " + req.Context.Feedback + ".")
	}
	return b.String()
}

// parsePlan reads the first JSON object in text. Unknown or missing fields
// are tolerated; actions without a tool are dropped.
func parsePlan(text string) (PlanResponse, error) {
	jsonStr, err := extractJSON(text)
	if err != nil {
		return PlanResponse{}, err
	}
	var parsed struct {
		Actions []struct {
			Tool        string         `json:"tool"`
			Action      string         `json:"action"`
			Params      map[string]any `json:"params"`
			Input       map[string]any `json:"input"`
			Description string         `json:"description"`
		} `json:"actions"`
		TaskComplete bool   `json:"taskComplete"`
		Result       string `json:"result"`
		CurrentStep  string `json:"currentStep"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return PlanResponse{}, fmt.Errorf("llm json parse: %w", err)
	}
	plan := PlanResponse{
		TaskComplete: parsed.TaskComplete,
		Result:       strings.TrimSpace(parsed.Result),
		CurrentStep:  strings.TrimSpace(parsed.CurrentStep),
	}
	for _, a := range parsed.Actions {
		tool := strings.TrimSpace(a.Tool)
		if tool == "" {
			tool = strings.TrimSpace(a.Action)
		}
		if tool == "" {
			continue
		}
		params := a.Params
		if params == nil {
			params = a.Input
		}
		if params == nil {
			params = map[string]any{}
		}
		plan.Actions = append(plan.Actions, session.Action{Tool: tool, Params: params, Description: a.Description})
	}
	return plan, nil
}

func extractJSON(text string) (string, error) {
	depth := 0
	start := -1
	inStr := false
	esc := false
	for i := 0; i < len(text); i++ {
		ch := text[i]
		if esc {
			esc = false
			continue
		}
		switch ch {
		case '\\':
			if inStr {
				esc = true
			}
		case '"':
			if depth > 0 {
				inStr = !inStr
			}
		case '{':
			if !inStr {
				if depth == 0 {
					start = i
				}
				depth++
			}
		case '}':
			if !inStr && depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return text[start : i+1], nil
				}
			}
		}
	}
	return "", fmt.Errorf("json not found")
}
