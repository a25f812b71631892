package recovery

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/polzovatel/browser-autopilot/internal/session"
)

// MaxAlternatives bounds how many substitutes are proposed for one failure.
const MaxAlternatives = 3

// Alternative is a substitute for a failed action: one or more steps that
// must all succeed.
type Alternative struct {
	Label string
	Steps []session.Action
}

var (
	idRe       = regexp.MustCompile(`#([A-Za-z0-9_-]+)`)
	classRe    = regexp.MustCompile(`\.([A-Za-z_][A-Za-z0-9_-]*)`)
	attrEqRe   = regexp.MustCompile(`\[\s*([A-Za-z_:][A-Za-z0-9_:.-]*)\s*=\s*["']?([^"'\]]+)["']?\s*\]`)
	identityAt = []string{"data-testid", "aria-label", "name", "title"}
)

// Alternatives proposes at most MaxAlternatives substitutes for a failed
// action, in the order they should be tried. Selector failures try derived
// selectors first; everything else tries interaction variants.
func Alternatives(a session.Action, c Category) []Alternative {
	if !c.Retryable() {
		return nil
	}
	var out []Alternative
	if c == Selector && a.Selector() != "" {
		for _, sel := range DerivedSelectors(a.Selector()) {
			out = append(out, Alternative{
				Label: "selector " + sel,
				Steps: []session.Action{withSelector(a, sel)},
			})
		}
	}
	out = append(out, interactionVariants(a)...)
	if len(out) > MaxAlternatives {
		out = out[:MaxAlternatives]
	}
	return out
}

func interactionVariants(a session.Action) []Alternative {
	sel := a.Selector()
	if sel == "" {
		return nil
	}
	switch a.Tool {
	case "type":
		clickStep := session.Action{Tool: "click", Params: map[string]any{"selector": sel}}
		focusStep := session.Action{Tool: "focus", Params: map[string]any{"selector": sel}}
		clearStep := session.Action{Tool: "clear", Params: map[string]any{"selector": sel}}
		return []Alternative{
			{Label: "click then type", Steps: []session.Action{clickStep, a}},
			{Label: "focus, clear, type", Steps: []session.Action{focusStep, clearStep, a}},
			{Label: "slow type", Steps: []session.Action{retool(a, "type_slow")}},
			{Label: "keyboard type", Steps: []session.Action{retool(a, "type_keyboard")}},
		}
	case "click":
		return []Alternative{
			{Label: "double click", Steps: []session.Action{retool(a, "double_click")}},
			{Label: "right click", Steps: []session.Action{retool(a, "right_click")}},
			{Label: "hover then click", Steps: []session.Action{retool(a, "hover_click")}},
			{Label: "force click", Steps: []session.Action{retool(a, "force_click")}},
		}
	}
	return nil
}

// DerivedSelectors proposes looser selectors for an element that could not
// be found by sel.
func DerivedSelectors(sel string) []string {
	var out []string
	seen := map[string]bool{sel: true}
	add := func(s string) {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	var tokens []string
	for _, m := range idRe.FindAllStringSubmatch(stripBrackets(sel), -1) {
		id := m[1]
		add(fmt.Sprintf(`[id*="%s"]`, id))
		add(fmt.Sprintf(`[id^="%s"]`, id))
		add(fmt.Sprintf(`[id$="%s"]`, id))
		add(fmt.Sprintf(`[id="%s"]`, id))
		tokens = append(tokens, id)
	}
	for _, m := range classRe.FindAllStringSubmatch(stripBrackets(sel), -1) {
		cls := m[1]
		add(fmt.Sprintf(`[class*="%s"]`, cls))
		add(fmt.Sprintf(`[class^="%s"]`, cls))
		add(fmt.Sprintf(`[class$="%s"]`, cls))
		tokens = append(tokens, cls)
	}
	for _, m := range attrEqRe.FindAllStringSubmatch(sel, -1) {
		attr, val := m[1], strings.TrimSpace(m[2])
		add(fmt.Sprintf(`[%s*="%s"]`, attr, val))
		add(fmt.Sprintf(`[%s^="%s"]`, attr, val))
		add(fmt.Sprintf(`[%s$="%s"]`, attr, val))
		add(fmt.Sprintf(`[%s~="%s"]`, attr, val))
		tokens = append(tokens, val)
	}
	if len(tokens) == 0 {
		if word := strings.Trim(sel, " #.[]\"'"); word != "" && !strings.ContainsAny(word, " >+~:()[]=") {
			tokens = append(tokens, word)
		}
	}
	for _, tok := range tokens {
		for _, attr := range identityAt {
			add(fmt.Sprintf(`[%s*="%s"]`, attr, tok))
		}
	}
	return out
}

// stripBrackets removes attribute blocks so dots and hashes inside values
// are not read as classes or ids.
func stripBrackets(sel string) string {
	var b strings.Builder
	depth := 0
	for _, r := range sel {
		switch {
		case r == '[':
			depth++
		case r == ']' && depth > 0:
			depth--
		case depth == 0:
			b.WriteRune(r)
		}
	}
	return b.String()
}

func withSelector(a session.Action, sel string) session.Action {
	out := clone(a)
	out.Params["selector"] = sel
	return out
}

func retool(a session.Action, tool string) session.Action {
	out := clone(a)
	out.Tool = tool
	return out
}

func clone(a session.Action) session.Action {
	params := make(map[string]any, len(a.Params)+1)
	for k, v := range a.Params {
		params[k] = v
	}
	return session.Action{Tool: a.Tool, Params: params, Description: a.Description}
}
