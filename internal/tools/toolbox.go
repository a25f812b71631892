package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/polzovatel/browser-autopilot/internal/browser"
)

type Toolbox interface {
	Describe() []Tool
	Invoke(ctx context.Context, name string, input map[string]any) (Result, error)
}

type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// Result is what a successful tool call observed. Metadata carries
// tool-specific values such as extracted text.
type Result struct {
	Observation string
	Metadata    map[string]any
}

type PromptFunc func(ctx context.Context, message string) (string, error)

const (
	slowTypeDelay     = 120 * time.Millisecond
	keyboardTypeDelay = 40 * time.Millisecond
	defaultWait       = 1000
)

type standard struct {
	ctrl   browser.Controller
	prompt PromptFunc
	tools  []Tool
}

func New(ctrl browser.Controller, prompt PromptFunc) Toolbox {
	sel := str("CSS selector")
	return &standard{
		ctrl:   ctrl,
		prompt: prompt,
		tools: []Tool{
			newTool("navigate", "Open URL", schema{"url": str("url to open")}, []string{"url"}),
			newTool("click", "Click element by CSS selector", schema{"selector": sel}, []string{"selector"}),
			newTool("click_text", "Click element by visible text", schema{"text": str("text to click"), "exact": boolean("exact match")}, []string{"text"}),
			newTool("double_click", "Double-click element", schema{"selector": sel}, []string{"selector"}),
			newTool("right_click", "Right-click element", schema{"selector": sel}, []string{"selector"}),
			newTool("hover", "Hover element to reveal hidden content", schema{"selector": sel}, []string{"selector"}),
			newTool("hover_click", "Hover element, then click it", schema{"selector": sel}, []string{"selector"}),
			newTool("force_click", "Click element ignoring visibility checks", schema{"selector": sel}, []string{"selector"}),
			newTool("type", "Fill input by CSS selector", schema{"selector": sel, "text": str("text to type"), "enter": boolean("press Enter afterwards")}, []string{"selector", "text"}),
			newTool("type_slow", "Type text key by key with a delay", schema{"selector": sel, "text": str("text to type")}, []string{"selector", "text"}),
			newTool("type_keyboard", "Type text with raw keyboard events into the focused element", schema{"text": str("text to type")}, []string{"text"}),
			newTool("clear", "Clear an input", schema{"selector": sel}, []string{"selector"}),
			newTool("focus", "Focus an element", schema{"selector": sel}, []string{"selector"}),
			newTool("blur", "Remove focus from an element", schema{"selector": sel}, []string{"selector"}),
			newTool("press_key", "Press a key, optionally on an element", schema{"selector": sel, "key": str("key name, e.g. Enter")}, []string{"key"}),
			newTool("enter", "Press Enter on an element", schema{"selector": sel}, nil),
			newTool("select", "Select option in a <select>", schema{"selector": sel, "value": str("option value or label")}, []string{"selector", "value"}),
			newTool("search", "Type a query into a search box and submit it", schema{"selector": sel, "query": str("search query")}, []string{"selector", "query"}),
			newTool("scroll", "Scroll page up/down/top/bottom", schema{"direction": str("down|up|top|bottom|page_down|page_up"), "distance": integer("pixels")}, nil),
			newTool("wait", "Wait for selector visible, or sleep when no selector", schema{"selector": sel, "timeout_ms": integer("timeout ms")}, nil),
			newTool("go_back", "Navigate back", schema{}, nil),
			newTool("refresh", "Reload the page", schema{}, nil),
			newTool("extract_text", "Read visible text of an element (or the page)", schema{"selector": sel}, nil),
			newTool("solve_captcha", "Ask the user to solve a CAPTCHA in the browser", schema{"prompt": str("instructions for the user")}, nil),
		},
	}
}

func (s *standard) Describe() []Tool {
	return append([]Tool(nil), s.tools...)
}

func (s *standard) Invoke(ctx context.Context, name string, input map[string]any) (Result, error) {
	switch name {
	case "navigate":
		url, err := requiredString(input, "url")
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.Navigate(ctx, url); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("opened %s", url), Metadata: map[string]any{"url": url}}, nil

	case "click", "double_click", "right_click", "force_click":
		sel, err := selectorParam(input)
		if err != nil {
			return Result{}, err
		}
		opts := browser.ClickOptions{
			Double: name == "double_click",
			Right:  name == "right_click",
			Force:  name == "force_click",
		}
		opts.Timeout = timeoutParam(input)
		if err := s.ctrl.Click(ctx, sel, opts); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("%s %s", strings.ReplaceAll(name, "_", " "), sel)}, nil

	case "click_text":
		text, err := requiredString(input, "text")
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.ClickText(ctx, text, optionalBool(input, "exact")); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("clicked text %q", text)}, nil

	case "hover", "hover_click":
		sel, err := selectorParam(input)
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.Hover(ctx, sel, timeoutParam(input)); err != nil {
			return Result{}, err
		}
		if name == "hover" {
			return Result{Observation: fmt.Sprintf("hovered %s", sel)}, nil
		}
		if err := s.ctrl.Click(ctx, sel, browser.ClickOptions{Timeout: timeoutParam(input)}); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("hovered and clicked %s", sel)}, nil

	case "type":
		sel, err := selectorParam(input)
		if err != nil {
			return Result{}, err
		}
		text, err := requiredText(input)
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.Fill(ctx, sel, text, timeoutParam(input)); err != nil {
			return Result{}, err
		}
		if optionalBool(input, "enter") {
			if err := s.ctrl.Press(ctx, sel, "Enter"); err != nil {
				return Result{}, err
			}
		}
		return Result{Observation: fmt.Sprintf("typed into %s", sel)}, nil

	case "type_slow":
		sel, err := selectorParam(input)
		if err != nil {
			return Result{}, err
		}
		text, err := requiredText(input)
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.TypeSequentially(ctx, sel, text, slowTypeDelay, timeoutParam(input)); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("slow-typed into %s", sel)}, nil

	case "type_keyboard":
		text, err := requiredText(input)
		if err != nil {
			return Result{}, err
		}
		if sel := sanitizeSelector(optionalString(input, "selector")); sel != "" {
			if err := s.ctrl.Focus(ctx, sel); err != nil {
				return Result{}, err
			}
		}
		if err := s.ctrl.TypeKeyboard(ctx, text, keyboardTypeDelay); err != nil {
			return Result{}, err
		}
		return Result{Observation: "typed with keyboard events"}, nil

	case "clear", "focus", "blur":
		sel, err := selectorParam(input)
		if err != nil {
			return Result{}, err
		}
		switch name {
		case "clear":
			err = s.ctrl.Clear(ctx, sel)
		case "focus":
			err = s.ctrl.Focus(ctx, sel)
		default:
			err = s.ctrl.Blur(ctx, sel)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("%s %s", name, sel)}, nil

	case "press_key", "enter":
		key := optionalString(input, "key")
		if name == "enter" || key == "" {
			key = "Enter"
		}
		sel := sanitizeSelector(optionalString(input, "selector"))
		if err := s.ctrl.Press(ctx, sel, key); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("pressed %s", key)}, nil

	case "select":
		sel, err := selectorParam(input)
		if err != nil {
			return Result{}, err
		}
		value, err := requiredString(input, "value")
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.SelectOption(ctx, sel, value, timeoutParam(input)); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("selected %q in %s", value, sel)}, nil

	case "search":
		sel, err := selectorParam(input)
		if err != nil {
			return Result{}, err
		}
		query, err := requiredString(input, "query")
		if err != nil {
			return Result{}, err
		}
		if err := s.ctrl.Fill(ctx, sel, query, timeoutParam(input)); err != nil {
			return Result{}, err
		}
		if err := s.ctrl.Press(ctx, sel, "Enter"); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("searched %q", query)}, nil

	case "scroll":
		dir := optionalString(input, "direction")
		dist, err := s.ctrl.Scroll(ctx, dir, optionalInt(input, "distance"))
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("scrolled %s %d", dir, dist)}, nil

	case "wait":
		timeout := optionalInt(input, "timeout_ms")
		if timeout <= 0 {
			timeout = defaultWait
		}
		sel := sanitizeSelector(optionalString(input, "selector"))
		if sel == "" {
			select {
			case <-ctx.Done():
				return Result{}, ctx.Err()
			case <-time.After(time.Duration(timeout) * time.Millisecond):
			}
			return Result{Observation: fmt.Sprintf("waited %dms", timeout)}, nil
		}
		if err := s.ctrl.WaitFor(ctx, sel, time.Duration(timeout)*time.Millisecond); err != nil {
			return Result{}, err
		}
		return Result{Observation: fmt.Sprintf("waited %s", sel)}, nil

	case "go_back":
		if err := s.ctrl.GoBack(ctx); err != nil {
			return Result{}, err
		}
		return Result{Observation: "went back"}, nil

	case "refresh":
		if err := s.ctrl.Reload(ctx); err != nil {
			return Result{}, err
		}
		return Result{Observation: "reloaded"}, nil

	case "extract_text":
		sel := sanitizeSelector(optionalString(input, "selector"))
		text, err := s.ctrl.Read(ctx, sel, timeoutParam(input))
		if err != nil {
			return Result{}, err
		}
		text = strings.TrimSpace(text)
		return Result{Observation: text, Metadata: map[string]any{"extracted": text}}, nil

	case "solve_captcha":
		if s.prompt == nil {
			return Result{}, fmt.Errorf("permission denied: no user available to solve captcha")
		}
		msg := optionalString(input, "prompt")
		if msg == "" {
			msg = "Please solve the captcha in the browser and type 'done' when finished"
		}
		answer, err := s.prompt(ctx, msg)
		if err != nil {
			return Result{}, err
		}
		return Result{Observation: answer}, nil

	default:
		return Result{}, fmt.Errorf("cannot execute unknown tool %s", name)
	}
}

// Helpers for schema and extraction.
type schema map[string]any

func newTool(name, desc string, props schema, required []string) Tool {
	return Tool{
		Name:        name,
		Description: desc,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": props,
			"required":   required,
		},
	}
}

func str(desc string) map[string]any { return map[string]any{"type": "string", "description": desc} }

func boolean(desc string) map[string]any {
	return map[string]any{"type": "boolean", "description": desc}
}

func integer(desc string) map[string]any {
	return map[string]any{"type": "integer", "description": desc}
}

func selectorParam(input map[string]any) (string, error) {
	sel, err := requiredString(input, "selector")
	if err != nil {
		return "", err
	}
	sel = sanitizeSelector(sel)
	if sel == "" {
		return "", fmt.Errorf("selector is invalid or empty after sanitization")
	}
	return sel, nil
}

// requiredText accepts "text" or "value"; empty strings are allowed so
// fields can be cleared by typing nothing.
func requiredText(input map[string]any) (string, error) {
	for _, key := range []string{"text", "value"} {
		if v, ok := input[key]; ok {
			switch t := v.(type) {
			case string:
				return t, nil
			case json.Number:
				return t.String(), nil
			case float64:
				return fmt.Sprintf("%v", t), nil
			}
		}
	}
	return "", fmt.Errorf("field text required")
}

func requiredString(input map[string]any, key string) (string, error) {
	val, ok := input[key]
	if !ok {
		return "", fmt.Errorf("field %s required", key)
	}
	switch v := val.(type) {
	case string:
		if strings.TrimSpace(v) == "" {
			return "", fmt.Errorf("field %s empty", key)
		}
		return v, nil
	case json.Number:
		return v.String(), nil
	default:
		return "", fmt.Errorf("field %s must be string", key)
	}
}

func optionalString(input map[string]any, key string) string {
	val, ok := input[key]
	if !ok {
		return ""
	}
	switch v := val.(type) {
	case string:
		return v
	case json.Number:
		return v.String()
	default:
		return ""
	}
}

func optionalBool(input map[string]any, key string) bool {
	val, ok := input[key]
	if !ok {
		return false
	}
	switch v := val.(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true")
	default:
		return false
	}
}

func optionalInt(input map[string]any, key string) int {
	val, ok := input[key]
	if !ok {
		return 0
	}
	switch v := val.(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		i, _ := v.Int64()
		return int(i)
	default:
		return 0
	}
}

// timeoutParam reads the optional timeout_ms input; zero means the browser
// default.
func timeoutParam(input map[string]any) time.Duration {
	if ms := optionalInt(input, "timeout_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return 0
}

// sanitizeSelector strips whitespace control characters and collapses spaces.
func sanitizeSelector(sel string) string {
	if sel == "" {
		return ""
	}
	sel = strings.NewReplacer("\n", " ", "\r", " ", "\t", " ").Replace(sel)
	return strings.TrimSpace(strings.Join(strings.Fields(sel), " "))
}
