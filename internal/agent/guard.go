package agent

import (
	"strings"

	"github.com/polzovatel/browser-autopilot/internal/detect"
	"github.com/polzovatel/browser-autopilot/internal/session"
	"github.com/polzovatel/browser-autopilot/internal/snapshot"
)

const captchaPrompt = "Please solve the captcha in the browser and type 'done' when finished"

var captchaMarkers = []string{"captcha", "not a robot", "не робот", "робот", "robot check"}

func isCaptchaPage(st snapshot.State) bool {
	url := strings.ToLower(st.URL)
	title := strings.ToLower(st.Title)
	if strings.Contains(url, "captcha") || containsAny(title, captchaMarkers) {
		return true
	}
	for _, el := range st.Elements {
		if containsAny(strings.ToLower(el.ID+" "+el.Class), []string{"captcha"}) {
			return true
		}
	}
	return false
}

// guardCaptcha replaces clicks on a captcha page with a single request for
// the user to solve it. Automated clicks there only get the session flagged.
func guardCaptcha(st snapshot.State, actions []session.Action) ([]session.Action, bool) {
	if !isCaptchaPage(st) {
		return actions, false
	}
	out := make([]session.Action, 0, len(actions))
	replaced := false
	for _, a := range actions {
		if a.Tool == "solve_captcha" {
			return actions, false
		}
		if detect.IsClick(a.Tool) || a.Tool == "hover" {
			if !replaced {
				out = append(out, session.Action{
					Tool:        "solve_captcha",
					Params:      map[string]any{"prompt": captchaPrompt},
					Description: "captcha requires a human",
				})
				replaced = true
			}
			continue
		}
		out = append(out, a)
	}
	return out, replaced
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
