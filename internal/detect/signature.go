package detect

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/polzovatel/browser-autopilot/internal/session"
)

const sequenceSeparator = "->"

var typingTools = map[string]bool{
	"type":          true,
	"type_slow":     true,
	"type_keyboard": true,
}

var clickTools = map[string]bool{
	"click":        true,
	"click_text":   true,
	"double_click": true,
	"right_click":  true,
	"force_click":  true,
	"hover_click":  true,
}

// IsTyping reports whether tool writes text into a field.
func IsTyping(tool string) bool { return typingTools[tool] }

// IsClick reports whether tool is a click variant.
func IsClick(tool string) bool { return clickTools[tool] }

// FieldKind classifies the target of a typing action from its selector.
func FieldKind(selector string) string {
	sel := strings.ToLower(selector)
	switch {
	case sel == "":
		return "unknown"
	case strings.Contains(sel, "password"):
		return "password"
	case strings.Contains(sel, "email") || strings.Contains(sel, "mail"):
		return "email"
	case strings.Contains(sel, "search") || strings.Contains(sel, "query") || strings.Contains(sel, "[name=\"q\"]"):
		return "search"
	case strings.Contains(sel, "textarea"):
		return "textarea"
	case strings.Contains(sel, "input"):
		return "input"
	default:
		return "unknown"
	}
}

// ElementKind classifies the target of a click action from its selector.
func ElementKind(selector string) string {
	sel := strings.ToLower(selector)
	switch {
	case sel == "":
		return "unknown"
	case strings.Contains(sel, "submit"):
		return "submit"
	case strings.Contains(sel, "button") || strings.Contains(sel, "btn"):
		return "button"
	case sel == "a" || strings.HasPrefix(sel, "a[") || strings.HasPrefix(sel, "a.") || strings.HasPrefix(sel, "a#") ||
		strings.HasPrefix(sel, "a:") || strings.Contains(sel, "href") || strings.Contains(sel, "link"):
		return "link"
	case strings.Contains(sel, "form"):
		return "form"
	default:
		return "unknown"
	}
}

// SequenceToken normalises one planned action to its coarse category.
func SequenceToken(a session.Action) string {
	switch {
	case IsTyping(a.Tool):
		return "type:" + FieldKind(a.Selector())
	case IsClick(a.Tool):
		return "click:" + ElementKind(a.Selector())
	default:
		return a.Tool
	}
}

// SequenceSignature collapses a planned batch into a repeatable signature;
// batches that differ only in literal text share a signature.
func SequenceSignature(actions []session.Action) string {
	tokens := make([]string, 0, len(actions))
	for _, a := range actions {
		tokens = append(tokens, SequenceToken(a))
	}
	return strings.Join(tokens, sequenceSeparator)
}

// RepeatKey scopes a sequence signature to the page it ran on.
func RepeatKey(signature, url string) string {
	return signature + "@" + url
}

const textPreviewLen = 20

// ActionSignature identifies an action for failure grouping.
func ActionSignature(tool string, params map[string]any) string {
	sel := session.ParamString(params, "selector")
	if IsTyping(tool) && sel != "" {
		text := []rune(session.ParamString(params, "text"))
		if len(text) > textPreviewLen {
			text = text[:textPreviewLen]
		}
		return "text:" + sel + "|" + string(text)
	}
	if sel != "" {
		return "selector:" + sel
	}
	if url := session.ParamString(params, "url"); url != "" {
		return "url:" + url
	}
	return fmt.Sprintf("%s:%08x", tool, hashParams(params))
}

// PairKey identifies an exact (tool, params) pair.
func PairKey(tool string, params map[string]any) string {
	return fmt.Sprintf("%s#%08x", tool, hashParams(params))
}

func hashParams(params map[string]any) uint32 {
	// encoding/json sorts map keys, so the encoding is canonical.
	raw, err := json.Marshal(params)
	if err != nil {
		raw = []byte(fmt.Sprint(params))
	}
	h := fnv.New32a()
	_, _ = h.Write(raw)
	return h.Sum32()
}
