package transcribe

import "strings"

// Format renders the final transcript text, one paragraph per speaker turn,
// with labels replaced by mapped names. Formatting is deterministic: the
// same transcript and mapping always yield identical output, which is what
// lets downstream chunking and caching trust the text as a stable input.
func Format(result *Result, mapping Mapping) string {
	if result == nil {
		return ""
	}
	if len(result.Utterances) == 0 {
		return strings.TrimSpace(result.Text) + "\n"
	}

	var b strings.Builder
	for i, u := range result.Utterances {
		text := strings.TrimSpace(u.Text)
		if text == "" {
			continue
		}
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(mapping.Resolve(u.Speaker))
		b.WriteString(": ")
		b.WriteString(text)
		b.WriteString("\n")
	}
	return b.String()
}
