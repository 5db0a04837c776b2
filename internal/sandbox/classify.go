package sandbox

import (
	_ "embed"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed rules.yaml
var rulesYAML []byte

// ErrorClass names a heuristic category of generation failure.
type ErrorClass string

const (
	ClassImport   ErrorClass = "import"
	ClassNetwork  ErrorClass = "network"
	ClassSyntax   ErrorClass = "syntax"
	ClassContract ErrorClass = "contract"
	ClassUnknown  ErrorClass = "unknown"
)

type classifyRule struct {
	Class      ErrorClass `yaml:"class"`
	Substrings []string   `yaml:"substrings"`
	Suggestion string     `yaml:"suggestion"`
}

type ruleFile struct {
	Rules []classifyRule `yaml:"rules"`
}

var classifyRules []classifyRule

func init() {
	var rf ruleFile
	// The table is embedded and validated by tests; a parse failure here
	// degrades to no-suggestion classification rather than an error.
	if err := yaml.Unmarshal(rulesYAML, &rf); err == nil {
		classifyRules = rf.Rules
	}
}

// Classify maps a raw error message to an advisory class and remedy
// suggestion. Unmatched messages return ClassUnknown and an empty
// suggestion; the caller always surfaces the raw message either way.
func Classify(raw string) (ErrorClass, string) {
	lowered := strings.ToLower(raw)
	for _, rule := range classifyRules {
		for _, sub := range rule.Substrings {
			if strings.Contains(lowered, strings.ToLower(sub)) {
				return rule.Class, rule.Suggestion
			}
		}
	}
	return ClassUnknown, ""
}

// TerminalMessage builds the user-facing message for a Failed load: the
// raw error first, then the class suggestion when one exists.
func TerminalMessage(raw string) string {
	_, suggestion := Classify(raw)
	if suggestion == "" {
		return raw
	}
	return raw + "\n\nSuggestion: " + suggestion
}
