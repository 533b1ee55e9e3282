package querysql

import "strings"

// Expand replaces the $T placeholder with the quoted table name and $PK with
// the quoted primary-key column. Placeholders inside string literals are left
// alone. $PK is matched before $T, and a placeholder followed by an
// identifier character is not a placeholder.
func Expand(query, table, primaryKey string) string {
	if !strings.Contains(query, "$") {
		return query
	}

	var b strings.Builder
	b.Grow(len(query) + len(table) + len(primaryKey))

	inString := false
	for i := 0; i < len(query); i++ {
		ch := query[i]
		if ch == '\'' {
			inString = !inString
			b.WriteByte(ch)
			continue
		}
		if inString || ch != '$' {
			b.WriteByte(ch)
			continue
		}

		rest := query[i+1:]
		switch {
		case strings.HasPrefix(rest, "PK") && !identAt(rest, 2) && primaryKey != "":
			b.WriteString(quote(primaryKey))
			i += 2
		case strings.HasPrefix(rest, "T") && !identAt(rest, 1) && table != "":
			b.WriteString(quote(table))
			i++
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func identAt(s string, i int) bool {
	return i < len(s) && isIdentByte(s[i])
}

func isIdentByte(ch byte) bool {
	return ch == '_' || ch == '$' ||
		(ch >= 'a' && ch <= 'z') ||
		(ch >= 'A' && ch <= 'Z') ||
		(ch >= '0' && ch <= '9') ||
		ch >= 0x80
}
