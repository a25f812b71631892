package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"

	"github.com/polzovatel/browser-autopilot/internal/browser"
)

// Element describes minimal info about a visible node.
type Element struct {
	Index int    `json:"index"`
	Type  string `json:"type"`
	ID    string `json:"id,omitempty"`
	Class string `json:"class,omitempty"`
	Role  string `json:"role,omitempty"`
	Text  string `json:"text,omitempty"`
	Attr  string `json:"attr,omitempty"`
	BBox  string `json:"bbox,omitempty"`
	Sel   string `json:"selector,omitempty"`
}

// State is a compact view of the current page.
type State struct {
	URL      string    `json:"url"`
	Title    string    `json:"title"`
	Visible  string    `json:"visible,omitempty"`
	Elements []Element `json:"elements"`
}

// ToMap returns state as a JSON-friendly map.
func (s State) ToMap() map[string]any {
	return map[string]any{
		"url":      s.URL,
		"title":    s.Title,
		"visible":  s.Visible,
		"elements": s.Elements,
	}
}

func (s State) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "URL: %s\nTITLE: %s\nTEXT: %s\nELEMENTS:\n", s.URL, s.Title, s.Visible)
	for _, el := range s.Elements {
		fmt.Fprintf(&b, "%d) type=%s id=%s text=%s selector=%s\n", el.Index, el.Type, el.ID, el.Text, el.Sel)
	}
	return b.String()
}

const (
	maxVisibleText = 1200
	collectLimit   = 300
	keepElements   = 150
)

// Collect reads the current page of ctrl into a State.
func Collect(ctx context.Context, ctrl browser.Controller) (State, error) {
	if err := ctx.Err(); err != nil {
		return State{}, err
	}
	page := ctrl.Page()
	if page == nil || page.IsClosed() {
		return State{}, fmt.Errorf("page is closed")
	}
	title, _ := page.Title()
	url := page.URL()

	text, _ := page.InnerText("body")
	text = prefix(text, maxVisibleText)

	elems, err := collectElements(page, collectLimit)
	if err != nil {
		return State{}, fmt.Errorf("collect elements: %w", err)
	}
	elems = rankElements(elems, keepElements)
	for i := range elems {
		elems[i].Index = i + 1
	}

	return State{
		URL:      url,
		Title:    title,
		Visible:  strings.TrimSpace(text),
		Elements: elems,
	}, nil
}

const collectScript = `(limit) => {
	const pick = [];
	const query = "a,button,input,select,textarea,form,nav,header,main,section,h1,h2,h3,label,li,[role],[id],[data-testid],[aria-label]";
	function selectorFor(el) {
		if (el.id) return "#" + el.id;
		const name = el.getAttribute("name");
		if (name) return el.tagName.toLowerCase() + "[name=\"" + name + "\"]";
		const testId = el.getAttribute("data-testid");
		if (testId) return "[data-testid=\"" + testId + "\"]";
		const label = (el.getAttribute("aria-label") || "").replace(/"/g, "").slice(0, 40);
		if (label) return el.tagName.toLowerCase() + "[aria-label=\"" + label + "\"]";
		const siblings = Array.from(el.parentElement ? el.parentElement.children : []);
		const idx = siblings.filter(c => c.tagName === el.tagName).indexOf(el) + 1;
		return el.tagName.toLowerCase() + (idx > 0 ? ":nth-of-type(" + idx + ")" : "");
	}
	function scan(root) {
		if (!root || pick.length >= limit) return;
		let nodes;
		try { nodes = root.querySelectorAll(query); } catch (e) { return; }
		for (const el of nodes) {
			if (pick.length >= limit) break;
			const rect = el.getBoundingClientRect();
			if (rect.width === 0 && rect.height === 0) continue;
			const attrs = ["name","aria-label","placeholder","type","data-testid","title"]
				.map(a => a + ":" + (el.getAttribute(a) || "")).join("|");
			let text = (el.innerText || el.textContent || el.value || "").trim().split("\n")[0];
			pick.push({
				type: el.tagName.toLowerCase(),
				id: el.id || "",
				class: typeof el.className === "string" ? el.className : "",
				role: el.getAttribute("role") || "",
				text: text.slice(0, 120),
				attr: attrs,
				bbox: [Math.round(rect.x), Math.round(rect.y), Math.round(rect.width), Math.round(rect.height)].join(","),
				selector: selectorFor(el),
			});
			if (el.shadowRoot) scan(el.shadowRoot);
		}
	}
	scan(document);
	return pick;
}`

func collectElements(page playwright.Page, limit int) ([]Element, error) {
	val, err := page.Evaluate(collectScript, limit)
	if err != nil {
		return nil, err
	}
	elems, err := decodeElements(val)
	if err != nil {
		return nil, err
	}

	for _, frame := range page.Frames() {
		if len(elems) >= limit {
			break
		}
		if frame == page.MainFrame() {
			continue
		}
		frameVal, err := frame.Evaluate(collectScript, limit-len(elems))
		if err != nil {
			// cross-origin frame
			continue
		}
		frameElems, err := decodeElements(frameVal)
		if err != nil {
			continue
		}
		elems = append(elems, frameElems...)
	}
	if len(elems) > limit {
		elems = elems[:limit]
	}
	return elems, nil
}

func decodeElements(val any) ([]Element, error) {
	raw, err := json.Marshal(val)
	if err != nil {
		return nil, err
	}
	var elems []Element
	if err := json.Unmarshal(raw, &elems); err != nil {
		return nil, err
	}
	return elems, nil
}

// WithDeadline shortens context to avoid long snapshot waits.
func WithDeadline(ctx context.Context, dur time.Duration) (context.Context, context.CancelFunc) {
	if dur <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, dur)
}

// rankElements keeps the maxCount most relevant elements, preserving page
// order among equally scored ones.
func rankElements(elems []Element, maxCount int) []Element {
	if len(elems) <= maxCount {
		return elems
	}
	type scored struct {
		el    Element
		score int
		pos   int
	}
	list := make([]scored, 0, len(elems))
	for i, el := range elems {
		if s := scoreElement(el); s > 0 {
			list = append(list, scored{el: el, score: s, pos: i})
		}
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].score > list[j].score })
	if len(list) > maxCount {
		list = list[:maxCount]
	}
	sort.SliceStable(list, func(i, j int) bool { return list[i].pos < list[j].pos })

	out := make([]Element, 0, len(list))
	for _, s := range list {
		out = append(out, s.el)
	}
	return out
}

func scoreElement(el Element) int {
	score := 0
	if isStructural(el.Type) {
		score += 5
	}
	if el.Role != "" && el.Role != "generic" && el.Role != "presentation" {
		score += 3
	}
	if n := len(el.Text); n > 0 {
		score += 3
		if n > 10 && n < 200 {
			score += 2
		}
	}
	if strings.Contains(el.Attr, "data-testid:") && !strings.Contains(el.Attr, "data-testid:|") {
		score += 2
	}
	if el.Text == "" && el.Role == "" && el.ID == "" {
		score -= 5
	}
	return score
}
