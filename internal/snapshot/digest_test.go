package snapshot

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseState() State {
	return State{
		URL:   "https://x",
		Title: "T",
		Elements: []Element{
			{Type: "button", ID: "go", Text: "Go"},
		},
	}
}

func TestDigestIgnoresTooltip(t *testing.T) {
	s := baseState()
	withTooltip := baseState()
	withTooltip.Elements = append(withTooltip.Elements, Element{Type: "div", Class: "tooltip", Text: "hint"})

	assert.Equal(t, Digest(s), Digest(withTooltip))
}

func TestDigestIgnoresTransientElements(t *testing.T) {
	transient := []Element{
		{Type: "div", Class: "modal-dialog", Text: "Subscribe to our newsletter"},
		{Type: "div", Class: "spinner", Text: ""},
		{Type: "span", Class: "msg-timestamp", Text: "12:41"},
		{Type: "span", Text: "5 minutes ago"},
		{Type: "span", Class: "status online", Text: "Online"},
		{Type: "div", Class: "fade in", Text: "Welcome back, friend"},
		{Type: "div", ID: "ad-slot-1", Class: "ad", Text: "Buy cheap shoes now"},
		{Type: "a", Class: "nav-link hover", Text: "Home page link"},
		{Type: "div", Text: "Loading results..."},
	}
	for _, el := range transient {
		t.Run(el.Class+el.Text, func(t *testing.T) {
			s := baseState()
			s.Elements = append(s.Elements, el)
			assert.True(t, IsTransient(el))
			assert.Equal(t, Digest(baseState()), Digest(s))
		})
	}
}

func TestDigestSensitiveToStableElements(t *testing.T) {
	base := baseState()

	added := baseState()
	added.Elements = append(added.Elements, Element{Type: "button", ID: "submit-order", Text: "Submit"})
	assert.NotEqual(t, Digest(base), Digest(added))

	removed := baseState()
	removed.Elements = nil
	assert.NotEqual(t, Digest(base), Digest(removed))

	navigated := baseState()
	navigated.URL = "https://x/next"
	assert.NotEqual(t, Digest(base), Digest(navigated))
}

func TestDigestDoesNotTreatInteractiveAsActive(t *testing.T) {
	el := Element{Type: "div", Class: "interactive-card", Text: "Pick a plan"}
	assert.False(t, IsTransient(el))
	assert.False(t, IsTransient(Element{Type: "header", Class: "site-header"}))
}

func TestStableElements(t *testing.T) {
	elems := []Element{
		{Type: "div", Text: "ok"},
		{Type: "span", ID: "ab"},
		{Type: "span", ID: "abc"},
		{Type: "p", Text: "Some paragraph"},
		{Type: "nav"},
	}
	got := StableElements(elems)
	require.Len(t, got, 3)
	assert.Equal(t, "abc", got[0].ID)
	assert.Equal(t, "p", got[1].Type)
	assert.Equal(t, "nav", got[2].Type)
}

func TestDigestUsesBoundedPrefix(t *testing.T) {
	s := State{URL: "https://x", Title: "list"}
	for i := 0; i < 20; i++ {
		s.Elements = append(s.Elements, Element{Type: "button", ID: "btn-" + string(rune('a'+i))})
	}
	tail := s
	tail.Elements = append([]Element(nil), s.Elements...)
	tail.Elements[19].ID = "btn-changed"

	// same count, change beyond the prefix collides
	assert.Equal(t, Digest(s), Digest(tail))
}

func TestDigestProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("digest is deterministic", prop.ForAll(
		func(url, title, text string) bool {
			s := State{URL: url, Title: title, Elements: []Element{{Type: "button", Text: text}}}
			return Digest(s) == Digest(s)
		},
		gen.AlphaString(), gen.AlphaString(), gen.AlphaString(),
	))

	properties.Property("tooltip noise never changes the digest", prop.ForAll(
		func(noise string) bool {
			s := baseState()
			noisy := baseState()
			noisy.Elements = append(noisy.Elements, Element{Type: "div", Class: "tooltip", Text: noise})
			return Digest(s) == Digest(noisy)
		},
		gen.AlphaString(),
	))

	properties.Property("digest is an 8-char hex string", prop.ForAll(
		func(url string) bool {
			return len(Digest(State{URL: url})) == 8
		},
		gen.AnyString(),
	))

	properties.TestingRun(t)
}

func TestIdentityTupleKeepsRunesWhole(t *testing.T) {
	tuple := identityTuple(Element{Type: "button", ID: "send", Text: strings.Repeat("Отправить ", 4)})
	assert.True(t, utf8.ValidString(tuple))
	assert.Equal(t, "button:send:"+string([]rune(strings.Repeat("Отправить ", 4))[:tupleTextLen]), tuple)

	assert.Equal(t, "да", prefix("да", 5))
	assert.Equal(t, "日本", prefix("日本語", 2))
}
