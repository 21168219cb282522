// Package promptdefense implements the three-layer defense applied to
// untrusted content (web pages, inbound messages, tool output) before it
// reaches a model's context: fast pattern matching, optional LLM-based
// semantic analysis, and structural isolation via tagged boundaries.
package promptdefense

// TrustLevel tracks how much a piece of content is trusted, propagated
// through a conversation the way a taint marker would be.
type TrustLevel string

const (
	TrustTrusted    TrustLevel = "trusted"
	TrustUserInput  TrustLevel = "user_input"
	TrustUntrusted  TrustLevel = "untrusted"
	TrustSuspicious TrustLevel = "suspicious"
)

// Metadata reports what the defense pipeline did to a piece of content:
// which layers ran, what they found, and the resulting trust level.
type Metadata struct {
	Source              string
	OriginalTrustLevel   TrustLevel
	FinalTrustLevel      TrustLevel
	ContentLength        int
	ChecksPerformed      []string
	Warnings             []string
	PatternMatches       []string
	LLMScore             *float64
	LLMReason            string
	StructuralDefense    bool
}

// Recommendations returns the handling guidance associated with level.
func Recommendations(level TrustLevel) []string {
	switch level {
	case TrustTrusted:
		return []string{
			"content is from a trusted source",
			"normal processing allowed",
		}
	case TrustUserInput:
		return []string{
			"validate user input format",
			"apply rate limiting",
			"monitor for repeated suspicious patterns",
		}
	case TrustUntrusted:
		return []string{
			"use structural defenses",
			"limit tool access",
			"process in isolated context",
			"no write operations",
		}
	case TrustSuspicious:
		return []string{
			"consider rejecting content",
			"maximum isolation required",
			"log for security review",
			"no sensitive operations",
		}
	default:
		return []string{"unknown trust level"}
	}
}
