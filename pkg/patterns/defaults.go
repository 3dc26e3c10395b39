package patterns

// Default priorities. Custom groups may slot anywhere around them.
const (
	PriorityHTTP     = 100
	PriorityGeneric  = 90
	PriorityProvider = 80
)

// DefaultPatterns returns the built-in pattern groups: the bare HTTP 429
// signal first, generic rate-limit phrasing next, provider-flavored
// phrasing last.
func DefaultPatterns() []ErrorPattern {
	return []ErrorPattern{
		{
			Name:     "http-429",
			Priority: PriorityHTTP,
			Patterns: []Pattern{MustRegex(`\b429\b`)},
		},
		{
			Name:     "rate-limit-generic",
			Priority: PriorityGeneric,
			Patterns: []Pattern{
				Literal("rate limit"),
				Literal("rate_limit"),
				Literal("too many requests"),
				Literal("quota exceeded"),
			},
		},
		{
			Name:     "anthropic-overloaded",
			Provider: "anthropic",
			Priority: PriorityProvider,
			Patterns: []Pattern{
				Literal("overloaded_error"),
				Literal("overloaded"),
				MustRegex(`\b529\b`),
			},
		},
		{
			Name:     "openai-quota",
			Provider: "openai",
			Priority: PriorityProvider,
			Patterns: []Pattern{
				Literal("insufficient_quota"),
				Literal("rate_limit_exceeded"),
				Literal("tokens per min"),
			},
		},
		{
			Name:     "google-resource-exhausted",
			Provider: "google",
			Priority: PriorityProvider,
			Patterns: []Pattern{
				Literal("resource_exhausted"),
				Literal("resource exhausted"),
			},
		},
		{
			Name:     "bedrock-throttling",
			Provider: "amazon-bedrock",
			Priority: PriorityProvider,
			Patterns: []Pattern{
				Literal("throttlingexception"),
				Literal("throttled"),
				Literal("throttling"),
			},
		},
	}
}
