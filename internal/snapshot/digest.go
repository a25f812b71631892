package snapshot

import (
	"fmt"
	"hash/fnv"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

// Digest reduces a page state to a best-effort fingerprint used for change
// detection. Transient, cosmetic and animated elements are ignored so that
// they collide; structural changes and navigation produce a new value with
// high probability. It is not a cryptographic hash.
func Digest(s State) string {
	stable := StableElements(s.Elements)

	var b strings.Builder
	b.WriteString(s.URL)
	b.WriteByte('|')
	b.WriteString(s.Title)
	b.WriteByte('|')
	b.WriteString(strconv.Itoa(len(stable)))
	b.WriteByte('|')
	for i, el := range stable {
		if i == digestPrefix {
			break
		}
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(identityTuple(el))
	}

	h := fnv.New32a()
	_, _ = h.Write([]byte(b.String()))
	return fmt.Sprintf("%08x", h.Sum32())
}

const (
	digestPrefix  = 15
	tupleTextLen  = 20
	minIDLen      = 2
	minStableText = 3
	maxStableText = 100
)

var structuralTypes = map[string]bool{
	"button":   true,
	"input":    true,
	"select":   true,
	"textarea": true,
	"form":     true,
	"nav":      true,
	"header":   true,
	"main":     true,
	"section":  true,
}

func isStructural(typ string) bool {
	return structuralTypes[strings.ToLower(typ)]
}

// StableElements drops transient elements and keeps the ones that describe the
// page structure, in page order.
func StableElements(elems []Element) []Element {
	out := make([]Element, 0, len(elems))
	for _, el := range elems {
		if IsTransient(el) {
			continue
		}
		if isStable(el) {
			out = append(out, el)
		}
	}
	return out
}

func isStable(el Element) bool {
	if isStructural(el.Type) {
		return true
	}
	if len(strings.TrimSpace(el.ID)) > minIDLen {
		return true
	}
	n := len(strings.TrimSpace(el.Text))
	return n > minStableText && n < maxStableText
}

func identityTuple(el Element) string {
	typ := strings.ToLower(el.Type)
	ident := strings.TrimSpace(el.ID)
	if ident == "" {
		if classes := strings.Fields(el.Class); len(classes) > 0 {
			ident = classes[0]
		} else {
			ident = typ
		}
	}
	return typ + ":" + ident + ":" + prefix(strings.TrimSpace(el.Text), tupleTextLen)
}

// prefix returns at most n runes of s.
func prefix(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

// Substrings are safe to match anywhere in class/id.
var transientSubstrings = []string{
	// modals and overlays
	"modal", "overlay", "backdrop", "lightbox", "popup",
	// loading
	"spinner", "loader", "loading", "skeleton", "shimmer",
	// dynamic content
	"timestamp", "timeago", "time-ago", "countdown", "notification-count", "unread-count",
	// animation
	"animate", "animation", "transition",
	// advertising
	"advert", "sponsor", "adsbygoogle", "banner-ad",
	// interaction states
	"tooltip", "popover",
}

// Tokens are short words that must match a whole class/id token.
var transientTokens = map[string]bool{
	"ad": true, "ads": true, "promo": true,
	"fade": true, "slide": true, "pulse": true, "blink": true, "bounce": true, "spin": true,
	"hover": true, "hovered": true, "focus": true, "focused": true, "active": true,
	"counter": true, "badge": true, "online": true, "offline": true, "presence": true,
	"live": true, "clock": true, "progress": true, "toast": true,
}

var (
	relativeTimeRe = regexp.MustCompile(`^\d+\s*(s|sec|secs|seconds?|m|min|mins|minutes?|h|hr|hrs|hours?|d|days?|w|weeks?)\s+ago$`)
	clockRe        = regexp.MustCompile(`^\d{1,2}:\d{2}(:\d{2})?\s*([ap]\.?m\.?)?$`)
	tokenSplitRe   = regexp.MustCompile(`[^a-z0-9]+`)
)

var transientTexts = []string{
	"loading", "please wait", "just now", "typing...", "typing…",
}

var transientExactTexts = map[string]bool{
	"online": true, "offline": true, "away": true,
}

// IsTransient reports whether el is a modal, loading indicator, frequently
// changing counter, animation, advert or hover/focus artefact.
func IsTransient(el Element) bool {
	attrs := strings.ToLower(el.Class + " " + el.ID)
	for _, sub := range transientSubstrings {
		if strings.Contains(attrs, sub) {
			return true
		}
	}
	for _, tok := range tokenSplitRe.Split(attrs, -1) {
		if transientTokens[tok] {
			return true
		}
	}

	text := strings.ToLower(strings.TrimSpace(el.Text))
	if text == "" {
		return false
	}
	if transientExactTexts[text] {
		return true
	}
	for _, t := range transientTexts {
		if strings.HasPrefix(text, t) {
			return true
		}
	}
	return relativeTimeRe.MatchString(text) || clockRe.MatchString(text)
}
