package contracts

import "strings"

// ValidatePattern checks a subscription pattern. Patterns use AMQP topic
// syntax: "*" matches exactly one segment and "#" matches zero or more.
func ValidatePattern(pattern string) error {
	if strings.TrimSpace(pattern) == "" {
		return &InvalidEventError{Field: "pattern", Reason: "must not be empty"}
	}
	for _, segment := range strings.Split(pattern, ".") {
		if segment == "" {
			return &InvalidEventError{Field: "pattern", Reason: "contains an empty segment"}
		}
		if segment != "*" && segment != "#" && strings.ContainsAny(segment, "*#") {
			return &InvalidEventError{Field: "pattern", Reason: "wildcards must span a whole segment"}
		}
	}
	return nil
}

// IsWildcard reports whether pattern contains a wildcard segment
func IsWildcard(pattern string) bool {
	for _, segment := range strings.Split(pattern, ".") {
		if segment == "*" || segment == "#" {
			return true
		}
	}
	return false
}

// MatchPattern reports whether an event type (or routing key) matches pattern
func MatchPattern(pattern, eventType string) bool {
	if pattern == eventType {
		return true
	}
	return matchSegments(strings.Split(pattern, "."), strings.Split(eventType, "."))
}

func matchSegments(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			rest := pattern[1:]
			if len(rest) == 0 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchSegments(rest, key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern = pattern[1:]
		key = key[1:]
	}
	return len(key) == 0
}
