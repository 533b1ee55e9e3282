package querysql

import "strings"

var writeWords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "REPLACE": true,
	"CREATE": true, "DROP": true, "ALTER": true, "ATTACH": true,
	"DETACH": true, "VACUUM": true, "REINDEX": true,
}

// ReadOnly reports whether a statement only reads. It accepts a single
// SELECT, WITH, VALUES or EXPLAIN statement that names no writing keyword,
// and PRAGMA statements that assign nothing. Like Tables, the check is
// lexical: string literals and comments are ignored, and replace(...) is
// read as the function.
func ReadOnly(query string) bool {
	toks := tokenize(query)
	for len(toks) > 0 && toks[len(toks)-1].kind == tokPunct && toks[len(toks)-1].text == ";" {
		toks = toks[:len(toks)-1]
	}
	if len(toks) == 0 || toks[0].kind != tokWord {
		return false
	}

	pragma := false
	switch strings.ToUpper(toks[0].text) {
	case "SELECT", "WITH", "VALUES", "EXPLAIN":
	case "PRAGMA":
		pragma = true
	default:
		return false
	}

	for i, t := range toks {
		switch t.kind {
		case tokPunct:
			if t.text == ";" || (pragma && t.text == "=") {
				return false
			}
		case tokWord:
			w := strings.ToUpper(t.text)
			if !writeWords[w] {
				continue
			}
			if w == "REPLACE" && i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "(" {
				continue
			}
			return false
		}
	}
	return true
}
