package completion

import (
	"fmt"
	"sort"
	"strings"

	"github.com/polzovatel/browser-autopilot/internal/session"
)

const summaryItems = 5

// Summarize builds a best-effort report for a session that ends without an
// accepted result: what was extracted, what worked, what failed and where
// navigation ended up.
func Summarize(s *session.Session, reason string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task not fully completed after %d iterations", s.Iteration)
	if reason != "" {
		fmt.Fprintf(&b, " (%s)", reason)
	}
	b.WriteString(".")

	var extracted, succeeded []string
	seenExtract := make(map[string]bool)
	for _, a := range s.Actions {
		if !a.Result.Success {
			continue
		}
		if val := strings.TrimSpace(Extracted(a.Result)); val != "" && !seenExtract[normalize(val)] {
			seenExtract[normalize(val)] = true
			extracted = append(extracted, truncate(val, 120))
		}
		succeeded = append(succeeded, describe(a.Tool, a.Params))
	}

	if len(extracted) > 0 {
		b.WriteString("\nExtracted:")
		for _, e := range lastN(extracted, summaryItems) {
			b.WriteString("\n- " + e)
		}
	}
	if len(succeeded) > 0 {
		fmt.Fprintf(&b, "\nSucceeded (%d):", len(succeeded))
		for _, e := range lastN(succeeded, summaryItems) {
			b.WriteString("\n- " + e)
		}
	}
	if len(s.Failures) > 0 {
		failed := make([]string, 0, len(s.Failures))
		for _, f := range s.Failures {
			line := fmt.Sprintf("%s x%d", describe(f.Tool, f.Params), f.Count)
			if n := len(f.RecentErrors); n > 0 {
				line += ": " + truncate(f.RecentErrors[n-1], 80)
			}
			failed = append(failed, line)
		}
		sort.Strings(failed)
		fmt.Fprintf(&b, "\nFailed (%d):", len(failed))
		for _, e := range lastN(failed, summaryItems) {
			b.WriteString("\n- " + e)
		}
	}
	if s.LastURL != "" {
		b.WriteString("\nLast page: " + s.LastURL)
	}
	return b.String()
}

func describe(tool string, params map[string]any) string {
	for _, key := range []string{"selector", "url", "text", "query", "key"} {
		if v := session.ParamString(params, key); v != "" {
			return fmt.Sprintf("%s %s", tool, truncate(v, 60))
		}
	}
	return tool
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func lastN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[len(items)-n:]
}
