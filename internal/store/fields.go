// Column introspection and value coercion for the closed FieldInfo type set.

package store

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// FieldType is the closed set of column types the core distinguishes.
type FieldType int

const (
	FieldOther FieldType = iota
	FieldText
	FieldInteger
	FieldDouble
	FieldBool
)

func (t FieldType) String() string {
	switch t {
	case FieldText:
		return "text"
	case FieldInteger:
		return "integer"
	case FieldDouble:
		return "double"
	case FieldBool:
		return "bool"
	default:
		return "other"
	}
}

// FieldInfo describes one column. Values are immutable once returned by
// Columns and are shared by every instance of a model.
type FieldInfo struct {
	Name         string    `json:"name"`
	Type         FieldType `json:"type"`
	NullAllowed  bool      `json:"null_allowed"`
	Default      any       `json:"default"`
	DeclaredType string    `json:"declared_type"`
	NativeType   string    `json:"native_type"`
	PrimaryKey   bool      `json:"primary_key"`
	// Expression holds a non-literal default such as CURRENT_TIMESTAMP.
	// SQLite evaluates it on insert, so Default stays nil.
	Expression string `json:"expression,omitempty"`
}

// Columns returns FieldInfo for every column of table in declaration order.
// Returns an empty slice if the table does not exist.
func (s *Store) Columns(ctx context.Context, table string) ([]FieldInfo, error) {
	var infos []FieldInfo
	err := s.Read(ctx, func(c *Conn) error {
		rs, err := c.Query(ctx, fmt.Sprintf("PRAGMA table_info(%s)", QuoteIdent(table)))
		if err != nil {
			return err
		}
		infos = make([]FieldInfo, 0, rs.Len())
		for _, row := range rs.Rows {
			infos = append(infos, fieldFromPragma(row))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("columns of %s: %w", table, err)
	}
	return infos, nil
}

// Tables lists user tables and views, sorted by name.
func (s *Store) Tables(ctx context.Context) ([]string, error) {
	rs, err := s.Query(ctx, `
		SELECT name FROM sqlite_master
		WHERE type IN ('table', 'view') AND name NOT LIKE 'sqlite_%'
		ORDER BY name ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	names := make([]string, 0, rs.Len())
	for _, v := range rs.Column("name") {
		names = append(names, asString(v))
	}
	return names, nil
}

// QuoteIdent quotes an SQL identifier.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func fieldFromPragma(row Row) FieldInfo {
	declared := asString(row["type"])
	info := FieldInfo{
		Name:         asString(row["name"]),
		DeclaredType: declared,
		Type:         typeFromDeclared(declared),
		NullAllowed:  asInt(row["notnull"]) == 0,
		PrimaryKey:   asInt(row["pk"]) > 0,
	}
	info.NativeType = nativeType(info.Type, declared)
	info.Default = parseDefault(info.Type, row["dflt_value"])
	if info.Default == nil {
		info.Expression = defaultExpression(row["dflt_value"])
	}
	if info.Default == nil && info.Expression == "" && !info.NullAllowed {
		info.Default = zeroValue(info.Type)
	}
	return info
}

// typeFromDeclared applies SQLite's affinity rules, checking BOOL first so
// that BOOLEAN columns are not classified as integers.
func typeFromDeclared(declared string) FieldType {
	d := strings.ToUpper(declared)
	switch {
	case strings.Contains(d, "BOOL"):
		return FieldBool
	case strings.Contains(d, "INT"):
		return FieldInteger
	case strings.Contains(d, "CHAR"), strings.Contains(d, "CLOB"), strings.Contains(d, "TEXT"):
		return FieldText
	case strings.Contains(d, "REAL"), strings.Contains(d, "FLOA"), strings.Contains(d, "DOUB"):
		return FieldDouble
	default:
		return FieldOther
	}
}

func nativeType(t FieldType, declared string) string {
	switch t {
	case FieldText:
		return "string"
	case FieldInteger:
		return "int64"
	case FieldDouble:
		return "float64"
	case FieldBool:
		return "bool"
	}
	if strings.Contains(strings.ToUpper(declared), "BLOB") {
		return "[]byte"
	}
	return "any"
}

func parseDefault(t FieldType, raw any) any {
	if raw == nil {
		return nil
	}
	lit := strings.TrimSpace(asString(raw))
	if strings.EqualFold(lit, "NULL") || lit == "" {
		return nil
	}
	quoted := len(lit) >= 2 && lit[0] == '\'' && lit[len(lit)-1] == '\''
	if quoted {
		lit = strings.ReplaceAll(lit[1:len(lit)-1], "''", "'")
	}
	switch t {
	case FieldText:
		if quoted {
			return lit
		}
		if _, err := strconv.ParseFloat(lit, 64); err == nil {
			return lit
		}
	case FieldInteger:
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return n
		}
	case FieldDouble:
		if f, err := strconv.ParseFloat(lit, 64); err == nil {
			return f
		}
	case FieldBool:
		if b, err := strconv.ParseBool(strings.ToLower(lit)); err == nil {
			return b
		}
	default:
		if quoted {
			return lit
		}
		if n, err := strconv.ParseInt(lit, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(lit, 64); err == nil {
			return f
		}
	}
	// Expressions such as CURRENT_TIMESTAMP are evaluated by SQLite.
	return nil
}

func defaultExpression(raw any) string {
	lit := strings.TrimSpace(asString(raw))
	if strings.EqualFold(lit, "NULL") {
		return ""
	}
	return lit
}

func zeroValue(t FieldType) any {
	switch t {
	case FieldText:
		return ""
	case FieldInteger:
		return int64(0)
	case FieldDouble:
		return float64(0)
	case FieldBool:
		return false
	default:
		return nil
	}
}

// Coerce converts a driver or caller value into the canonical Go
// representation for this field: string, int64, float64, bool, []byte,
// time.Time or nil.
func (f FieldInfo) Coerce(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	v = normalize(v)
	switch f.Type {
	case FieldText:
		switch val := v.(type) {
		case string:
			return val, nil
		case []byte:
			return string(val), nil
		case int64:
			return strconv.FormatInt(val, 10), nil
		case float64:
			return strconv.FormatFloat(val, 'g', -1, 64), nil
		}
	case FieldInteger:
		switch val := v.(type) {
		case int64:
			return val, nil
		case bool:
			if val {
				return int64(1), nil
			}
			return int64(0), nil
		case float64:
			if val == float64(int64(val)) {
				return int64(val), nil
			}
		case string:
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				return n, nil
			}
		case []byte:
			if n, err := strconv.ParseInt(string(val), 10, 64); err == nil {
				return n, nil
			}
		case time.Time:
			return val.Unix(), nil
		}
	case FieldDouble:
		switch val := v.(type) {
		case float64:
			return val, nil
		case int64:
			return float64(val), nil
		case string:
			if n, err := strconv.ParseFloat(val, 64); err == nil {
				return n, nil
			}
		}
	case FieldBool:
		switch val := v.(type) {
		case bool:
			return val, nil
		case int64:
			return val != 0, nil
		case string:
			if b, err := strconv.ParseBool(strings.ToLower(val)); err == nil {
				return b, nil
			}
		}
	default:
		return v, nil
	}
	return nil, fmt.Errorf("field %s: cannot use %T as %s", f.Name, v, f.Type)
}

// normalize widens Go numeric kinds to int64/float64. Unsigned values above
// math.MaxInt64 are left as they are, so Coerce rejects them.
func normalize(v any) any {
	switch val := v.(type) {
	case int:
		return int64(val)
	case int8:
		return int64(val)
	case int16:
		return int64(val)
	case int32:
		return int64(val)
	case uint:
		if uint64(val) > math.MaxInt64 {
			return v
		}
		return int64(val)
	case uint64:
		if val > math.MaxInt64 {
			return v
		}
		return int64(val)
	case uint8:
		return int64(val)
	case uint16:
		return int64(val)
	case uint32:
		return int64(val)
	case float32:
		return float64(val)
	default:
		return v
	}
}

// Equal compares two coerced values.
func Equal(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	switch av := a.(type) {
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case string, int64, float64, bool:
		return a == b
	}
	switch b.(type) {
	case []byte, time.Time:
		return false
	}
	return fmt.Sprintf("%T:%v", a, a) == fmt.Sprintf("%T:%v", b, b)
}

func asString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case []byte:
		return string(val)
	default:
		return fmt.Sprint(val)
	}
}

func asInt(v any) int64 {
	switch val := v.(type) {
	case int64:
		return val
	case bool:
		if val {
			return 1
		}
	case string:
		n, _ := strconv.ParseInt(val, 10, 64)
		return n
	}
	return 0
}
