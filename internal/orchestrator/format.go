package orchestrator

import "strings"

// FormatBody appends hashtags to body, each prefixed with a single '#'. Blank and repeated tags
// are dropped.
func FormatBody(body string, hashtags []string) string {
	seen := make(map[string]bool, len(hashtags))
	tags := make([]string, 0, len(hashtags))
	for _, h := range hashtags {
		h = strings.TrimLeft(strings.TrimSpace(h), "#")
		if h == "" || seen[strings.ToLower(h)] {
			continue
		}
		seen[strings.ToLower(h)] = true
		tags = append(tags, "#"+h)
	}
	if len(tags) == 0 {
		return body
	}
	body = strings.TrimRight(body, " \n")
	if body == "" {
		return strings.Join(tags, " ")
	}
	return body + "\n\n" + strings.Join(tags, " ")
}
