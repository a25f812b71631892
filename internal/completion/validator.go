// Package completion decides whether a session may end: it gates the
// planner's completion claim, spots implicit completion in repeated
// extractions and summarises sessions that had to be abandoned.
package completion

import (
	"strings"
	"unicode"

	"github.com/polzovatel/browser-autopilot/internal/detect"
	"github.com/polzovatel/browser-autopilot/internal/session"
)

// Config holds the validator's tunable cut-offs.
type Config struct {
	MinResultLength      int      `yaml:"min_result_length"`
	DetailedLength       int      `yaml:"detailed_length"`
	MeaningfulLength     int      `yaml:"meaningful_length"`
	RecentWindow         int      `yaml:"recent_window"`
	ExtractionWindow     int      `yaml:"extraction_window"`
	ImplicitRepeats      int      `yaml:"implicit_repeats"`
	SendClicks           int      `yaml:"send_clicks"`
	LowStuck             int      `yaml:"low_stuck"`
	CriticalFailures     int      `yaml:"critical_failures"`
	MessagingSuccessRate float64  `yaml:"messaging_success_rate"`
	CriticalSuccessRate  float64  `yaml:"critical_success_rate"`
	MessagingKeywords    []string `yaml:"messaging_keywords"`
	SuccessKeywords      []string `yaml:"success_keywords"`
}

func DefaultConfig() Config {
	return Config{
		MinResultLength:      10,
		DetailedLength:       30,
		MeaningfulLength:     20,
		RecentWindow:         10,
		ExtractionWindow:     15,
		ImplicitRepeats:      3,
		SendClicks:           2,
		LowStuck:             3,
		CriticalFailures:     3,
		MessagingSuccessRate: 0.7,
		CriticalSuccessRate:  0.6,
		MessagingKeywords:    []string{"message", "send", "text", "chat", "reply", "comment"},
		SuccessKeywords:      []string{"sent", "success", "successfully", "delivered", "posted", "completed", "done"},
	}
}

// Claim is the planner's completion claim.
type Claim struct {
	Complete bool
	Result   string
}

// Decision is the gate's verdict. Reason is meant for logs and for the
// planner's next context.
type Decision struct {
	Accept bool
	Reason string
}

// Validator gates completion claims. It never mutates the session.
type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.MinResultLength <= 0 {
		cfg.MinResultLength = def.MinResultLength
	}
	if cfg.DetailedLength <= 0 {
		cfg.DetailedLength = def.DetailedLength
	}
	if cfg.MeaningfulLength <= 0 {
		cfg.MeaningfulLength = def.MeaningfulLength
	}
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = def.RecentWindow
	}
	if cfg.ExtractionWindow <= 0 {
		cfg.ExtractionWindow = def.ExtractionWindow
	}
	if cfg.ImplicitRepeats <= 0 {
		cfg.ImplicitRepeats = def.ImplicitRepeats
	}
	if len(cfg.MessagingKeywords) == 0 {
		cfg.MessagingKeywords = def.MessagingKeywords
	}
	if len(cfg.SuccessKeywords) == 0 {
		cfg.SuccessKeywords = def.SuccessKeywords
	}
	return &Validator{cfg: cfg}
}

func (v *Validator) Config() Config { return v.cfg }

// Validate decides whether claim ends s. The same (claim, session) pair
// always yields the same decision.
func (v *Validator) Validate(claim Claim, s *session.Session) Decision {
	if !claim.Complete {
		return Decision{Reason: "completion not claimed"}
	}
	result := strings.TrimSpace(claim.Result)
	if len([]rune(result)) < v.cfg.MinResultLength {
		return Decision{Reason: "result missing or too short"}
	}

	recent := s.RecentActions(v.cfg.RecentWindow)
	var typeFailures, clickSuccesses, criticalFailures int
	for _, a := range recent {
		critical := detect.IsTyping(a.Tool) || detect.IsClick(a.Tool)
		if a.Result.Success {
			if detect.IsClick(a.Tool) {
				clickSuccesses++
			}
			continue
		}
		if critical {
			criticalFailures++
		}
		if detect.IsTyping(a.Tool) {
			typeFailures++
		}
	}
	rate := detect.SuccessRate(recent)

	if typeFailures > 0 && v.messagingTask(s.Task) {
		switch {
		case clickSuccesses >= v.cfg.SendClicks:
			return Decision{Accept: true, Reason: "send clicks succeeded despite typing failures"}
		case s.StuckCounter < v.cfg.LowStuck && s.URLChanges() > 0:
			return Decision{Accept: true, Reason: "page progressed despite typing failures"}
		case len(result) >= v.cfg.DetailedLength && v.claimsSuccess(result):
			return Decision{Accept: true, Reason: "result reports success"}
		case rate >= v.cfg.MessagingSuccessRate:
			return Decision{Accept: true, Reason: "most recent actions succeeded"}
		}
		return Decision{Reason: "message was probably not sent: typing failed"}
	}

	if criticalFailures >= v.cfg.CriticalFailures {
		if rate >= v.cfg.CriticalSuccessRate || len(result) >= v.cfg.DetailedLength {
			return Decision{Accept: true, Reason: "critical failures outweighed by evidence"}
		}
		return Decision{Reason: "too many recent critical action failures"}
	}
	return Decision{Accept: true, Reason: "result accepted"}
}

func (v *Validator) messagingTask(task string) bool {
	for _, w := range words(task) {
		for _, kw := range v.cfg.MessagingKeywords {
			if strings.HasPrefix(w, kw) {
				return true
			}
		}
	}
	return false
}

func (v *Validator) claimsSuccess(result string) bool {
	for _, w := range words(result) {
		for _, kw := range v.cfg.SuccessKeywords {
			if w == kw {
				return true
			}
		}
	}
	return false
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
