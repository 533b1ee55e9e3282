package querysql

import "strings"

// Tables returns the table names a statement references, lowercased and in
// first-seen order. A name counts when it follows FROM, JOIN, INTO, UPDATE or
// TABLE; comma-separated FROM lists are followed. String literals and
// comments are skipped. Subqueries contribute their own FROM clauses.
//
// The scan is lexical. It returns nil when nothing is recognized, which
// callers treat as "unknown, assume every table".
func Tables(query string) []string {
	toks := tokenize(query)

	var out []string
	seen := make(map[string]bool)
	add := func(name string) {
		name = strings.ToLower(name)
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokWord {
			continue
		}
		switch strings.ToUpper(t.text) {
		case "FROM":
			i = readTableList(toks, i+1, add)
		case "JOIN", "INTO", "UPDATE":
			i = readTableName(toks, i+1, add)
		case "TABLE":
			j := skipWords(toks, i+1, "IF", "NOT", "EXISTS")
			i = readTableName(toks, j, add)
		}
	}
	return out
}

// readTableList reads "name [AS alias], name [alias], ..." and returns the
// index of the last consumed token.
func readTableList(toks []token, i int, add func(string)) int {
	for {
		j := readTableName(toks, i, add)
		if j < i {
			return i - 1
		}
		i = j + 1
		// Skip an optional alias.
		if i < len(toks) && toks[i].kind == tokWord && strings.EqualFold(toks[i].text, "AS") {
			i++
		}
		if i < len(toks) && (toks[i].kind == tokQuoted || (toks[i].kind == tokWord && !isKeyword(toks[i].text))) {
			i++
		}
		if i < len(toks) && toks[i].kind == tokPunct && toks[i].text == "," {
			i++
			continue
		}
		return i - 1
	}
}

// readTableName reads "[schema.]name" at i. It returns the index of the last
// consumed token, or i-1 if no name was present.
func readTableName(toks []token, i int, add func(string)) int {
	if i >= len(toks) || !isName(toks[i]) {
		return i - 1
	}
	name := toks[i].text
	if i+2 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "." && isName(toks[i+2]) {
		name = toks[i+2].text
		i += 2
	}
	add(name)
	return i
}

func skipWords(toks []token, i int, words ...string) int {
	for i < len(toks) && toks[i].kind == tokWord {
		match := false
		for _, w := range words {
			if strings.EqualFold(toks[i].text, w) {
				match = true
				break
			}
		}
		if !match {
			break
		}
		i++
	}
	return i
}

func isName(t token) bool {
	return t.kind == tokQuoted || (t.kind == tokWord && !isKeyword(t.text))
}

var keywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "JOIN": true, "INNER": true,
	"LEFT": true, "RIGHT": true, "OUTER": true, "CROSS": true, "NATURAL": true,
	"ON": true, "USING": true, "GROUP": true, "ORDER": true, "BY": true,
	"HAVING": true, "LIMIT": true, "OFFSET": true, "UNION": true, "ALL": true,
	"EXCEPT": true, "INTERSECT": true, "SET": true, "VALUES": true, "AS": true,
	"AND": true, "OR": true, "NOT": true, "IN": true, "IS": true, "NULL": true,
	"RETURNING": true, "DEFAULT": true, "WINDOW": true, "INDEXED": true,
}

func isKeyword(word string) bool {
	return keywords[strings.ToUpper(word)]
}

type tokKind int

const (
	tokWord tokKind = iota
	tokQuoted
	tokPunct
)

type token struct {
	kind tokKind
	text string
}

// tokenize splits SQL into words, quoted identifiers and punctuation,
// dropping whitespace, string literals, numbers and comments.
func tokenize(s string) []token {
	var toks []token
	for i := 0; i < len(s); {
		ch := s[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '-' && i+1 < len(s) && s[i+1] == '-':
			for i < len(s) && s[i] != '\n' {
				i++
			}
		case ch == '/' && i+1 < len(s) && s[i+1] == '*':
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return toks
			}
			i += end + 4
		case ch == '\'':
			i = skipQuoted(s, i, '\'')
		case ch == '"' || ch == '`':
			start := i
			i = skipQuoted(s, i, ch)
			body := s[start+1 : i-1]
			double := string([]byte{ch, ch})
			toks = append(toks, token{kind: tokQuoted, text: strings.ReplaceAll(body, double, string(ch))})
		case ch == '[':
			end := strings.IndexByte(s[i:], ']')
			if end < 0 {
				return toks
			}
			toks = append(toks, token{kind: tokQuoted, text: s[i+1 : i+end]})
			i += end + 1
		case ch >= '0' && ch <= '9':
			for i < len(s) && isIdentByte(s[i]) {
				i++
			}
		case isIdentByte(ch):
			start := i
			for i < len(s) && isIdentByte(s[i]) {
				i++
			}
			toks = append(toks, token{kind: tokWord, text: s[start:i]})
		default:
			toks = append(toks, token{kind: tokPunct, text: string(ch)})
			i++
		}
	}
	return toks
}

// skipQuoted returns the index just past the closing quote, honoring doubled
// quotes as escapes. An unterminated literal runs to the end of s.
func skipQuoted(s string, i int, q byte) int {
	i++
	for i < len(s) {
		if s[i] == q {
			if i+1 < len(s) && s[i+1] == q {
				i += 2
				continue
			}
			return i + 1
		}
		i++
	}
	return len(s) + 1
}
