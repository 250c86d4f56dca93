package protocol

import "strings"

// MatchExpr builds an FTS5 MATCH expression for interaction search. Each
// term is double-quoted so FTS5 operators ("and", "or", "not", "near") and
// punctuation are matched literally. Terms are ANDed unless matchAny is set, in
// which case they are ORed. A trailing '*' on a term is kept as a prefix
// query.
func MatchExpr(query string, matchAny bool) string {
	words := strings.Fields(query)
	quoted := make([]string, 0, len(words))
	for _, w := range words {
		prefix := strings.HasSuffix(w, "*")
		clean := strings.Map(func(r rune) rune {
			if r == '"' || r == '*' {
				return -1
			}
			return r
		}, w)
		if clean == "" {
			continue
		}
		term := `"` + clean + `"`
		if prefix {
			term += "*"
		}
		quoted = append(quoted, term)
	}
	sep := " "
	if matchAny {
		sep = " OR "
	}
	return strings.Join(quoted, sep)
}
