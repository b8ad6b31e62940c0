package routing

import (
	"regexp"
	"strings"
)

// Override is a model or provider override parsed from an issue
// description. Zero value means no directive was found.
type Override struct {
	Provider string
	Model    string
}

// The bounded directive grammars. Anything else in the description is
// ignored, never guessed at.
var (
	// [model=claude-sonnet-4] or [provider=openai]
	bracketRe = regexp.MustCompile(`\[(model|provider)=([a-zA-Z0-9._/-]+)\]`)

	// "use model claude-sonnet-4", "use provider openai",
	// "run with model gpt-4o"
	naturalRe = regexp.MustCompile(`(?i)\b(?:use|run with)\s+(model|provider)\s+([a-zA-Z0-9._/-]+)`)
)

// ParseOverride scans a description for override directives. Later
// directives win over earlier ones of the same kind.
func ParseOverride(description string) Override {
	var o Override
	for _, re := range []*regexp.Regexp{bracketRe, naturalRe} {
		for _, m := range re.FindAllStringSubmatch(description, -1) {
			switch strings.ToLower(m[1]) {
			case "model":
				o.Model = m[2]
			case "provider":
				o.Provider = strings.ToLower(m[2])
			}
		}
	}
	return o
}
