// Package classifier screens incoming chat messages before anything else
// sees them. It blocks unsafe or exam-cheating requests and recognises the
// phrases with which a learner asks to be taught properly, which is what
// activates Teacher Mode.
//
// Classification is pure: the same text always gives the same verdict and
// no state is kept between calls.
package classifier

import (
	"regexp"
	"strings"
)

// RedirectMessage is shown instead of an answer when a message is blocked.
const RedirectMessage = "I'm here to help you learn! Let's focus on understanding the concept instead. Which part of the problem would you like me to explain?"

// Verdict is the result of Classify.
type Verdict struct {
	Blocked bool
	Reason  string // RedirectMessage when Blocked

	// Rule names the pattern that blocked the message, for logs and metrics.
	Rule string

	IsTrigger bool
	// Trigger is the phrase that matched, when IsTrigger.
	Trigger string
}

type rule struct {
	name    string
	pattern *regexp.Regexp
}

var blockedRules = []rule{
	{"full_paper", regexp.MustCompile(`(?i)solve\s+(this|the)\s+(entire|full|complete)\s+(paper|exam|test)`)},
	{"all_answers", regexp.MustCompile(`(?i)give\s+me\s+(all|the)\s+answers`)},
	{"cheat", regexp.MustCompile(`(?i)cheat`)},
	{"hack", regexp.MustCompile(`(?i)hack`)},
	{"harmful", regexp.MustCompile(`(?i)\b(sex|porn|drug|kill|suicide|weapon)\b`)},
}

// Triggers are matched as lowercase substrings, in order.
var Triggers = []string{
	"teach me",
	"didn't understand",
	"don't understand",
	"explain again",
	"samjha nahi",
	"properly explain",
	"teach me properly",
	"i'm confused",
	"still confused",
	"not clear",
	"ek baar aur",
	"phir se",
	"nahi samjha",
	"i need help",
}

// Classify screens text. A blocked message is never also reported as a trigger.
func Classify(text string) Verdict {
	if name, ok := blocked(text); ok {
		return Verdict{Blocked: true, Reason: RedirectMessage, Rule: name}
	}
	if phrase, ok := trigger(text); ok {
		return Verdict{IsTrigger: true, Trigger: phrase}
	}
	return Verdict{}
}

// IsSafe reports whether text passes the safety screen.
func IsSafe(text string) bool {
	_, hit := blocked(text)
	return !hit
}

// IsTrigger reports whether text asks for Teacher Mode.
func IsTrigger(text string) bool {
	_, ok := trigger(text)
	return ok
}

func blocked(text string) (string, bool) {
	for _, r := range blockedRules {
		if r.pattern.MatchString(text) {
			return r.name, true
		}
	}
	return "", false
}

func trigger(text string) (string, bool) {
	lower := normalise(text)
	for _, phrase := range Triggers {
		if strings.Contains(lower, phrase) {
			return phrase, true
		}
	}
	return "", false
}

// normalise lowercases and folds typographic apostrophes so "I’m confused"
// typed on a phone still matches.
func normalise(text string) string {
	return strings.ToLower(strings.NewReplacer("’", "'", "‘", "'").Replace(text))
}
