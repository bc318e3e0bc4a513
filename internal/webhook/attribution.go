// internal/webhook/attribution.go
package webhook

import "strings"

// Attribute returns the SHAs of commits written by the tracked developer, in
// push order. A commit matches on author username or author name, ignoring case.
func Attribute(commits []PushCommit, tracked string) []string {
	if tracked == "" {
		return nil
	}
	var shas []string
	for _, c := range commits {
		if matches(c.Author.Username, tracked) || matches(c.Author.Name, tracked) {
			shas = append(shas, c.ID)
		}
	}
	return shas
}

func matches(identity, tracked string) bool {
	return identity != "" && strings.EqualFold(identity, tracked)
}
