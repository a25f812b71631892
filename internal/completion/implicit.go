package completion

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/polzovatel/browser-autopilot/internal/session"
)

const (
	// ExtractTool is the tool whose results can complete a task implicitly.
	ExtractTool = "extract_text"
	// ExtractedKey is the metadata key carrying the extracted value.
	ExtractedKey = "extracted"
)

var (
	placeholders = map[string]bool{
		"": true, "-": true, "n/a": true, "na": true, "none": true, "null": true,
		"undefined": true, "unknown": true, "no data": true, "no results": true,
		"not found": true, "loading": true, "loading...": true, "error": true,
		"nothing found": true, "empty": true,
	}
	dataPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\d`),
		regexp.MustCompile(`[$€£¥₽]`),
		regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.]+`),
		regexp.MustCompile(`https?://\S+`),
	}
	numericNoise = strings.NewReplacer("$", "", "€", "", "£", "", "¥", "", "₽", "", ",", "", " ", "", "\u00a0", "")
)

// ImplicitResult looks for an extracted value that keeps coming back. When
// the same value (or the same number) was extracted at least ImplicitRepeats
// times in the recent window and looks meaningful, it is returned as the
// task result.
func (v *Validator) ImplicitResult(s *session.Session) (string, bool) {
	counts := make(map[string]int)
	latest := make(map[string]string)
	var order []string
	for _, a := range s.RecentActions(v.cfg.ExtractionWindow) {
		if a.Tool != ExtractTool || !a.Result.Success {
			continue
		}
		val := Extracted(a.Result)
		if !v.Meaningful(val) {
			continue
		}
		key := normalize(val)
		if counts[key] == 0 {
			order = append(order, key)
		}
		counts[key]++
		latest[key] = strings.TrimSpace(val)
	}
	for i := len(order) - 1; i >= 0; i-- {
		if counts[order[i]] >= v.cfg.ImplicitRepeats {
			return latest[order[i]], true
		}
	}
	return "", false
}

// Meaningful rejects empty and placeholder values and accepts values that
// are detailed or carry recognisable data.
func (v *Validator) Meaningful(val string) bool {
	val = strings.TrimSpace(val)
	if placeholders[strings.ToLower(val)] {
		return false
	}
	if len([]rune(val)) >= v.cfg.MeaningfulLength {
		return true
	}
	for _, re := range dataPatterns {
		if re.MatchString(val) {
			return true
		}
	}
	return false
}

// Extracted returns the extracted text carried by an action result.
func Extracted(r session.ActionResult) string {
	if r.Metadata == nil {
		return ""
	}
	s, _ := r.Metadata[ExtractedKey].(string)
	return s
}

// SameValue reports whether a and b are equal as text or as numbers.
func SameValue(a, b string) bool {
	return normalize(a) == normalize(b)
}

func normalize(val string) string {
	val = strings.TrimSpace(val)
	if f, err := strconv.ParseFloat(numericNoise.Replace(val), 64); err == nil {
		return "num:" + strconv.FormatFloat(f, 'f', -1, 64)
	}
	return "txt:" + strings.ToLower(strings.Join(strings.Fields(val), " "))
}
