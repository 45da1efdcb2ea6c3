// Package naming derives table and column names for audited entities.
package naming

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"unicode"

	"github.com/jinzhu/inflection"
)

// TableNamer lets an entity choose its own table name, optionally schema-qualified.
type TableNamer interface {
	TableName() string
}

// Name is a possibly schema-qualified table name.
type Name struct {
	Schema string
	Table  string
}

func (n Name) String() string {
	if n.Schema == "" {
		return n.Table
	}
	return n.Schema + "." + n.Table
}

// Parse splits "schema.table" into a Name. Quoted parts may contain dots.
func Parse(ident string) Name {
	parts := SplitQualified(ident)
	switch len(parts) {
	case 0:
		return Name{}
	case 1:
		return Name{Table: parts[0]}
	default:
		return Name{
			Schema: strings.Join(parts[:len(parts)-1], "."),
			Table:  parts[len(parts)-1],
		}
	}
}

// SplitQualified splits a potentially schema-qualified identifier into its parts.
func SplitQualified(ident string) []string {
	ident = strings.TrimSpace(ident)
	if ident == "" {
		return nil
	}
	var parts []string
	var buf strings.Builder
	inQuotes := false
	runes := []rune(ident)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		switch r {
		case '"':
			if inQuotes && i+1 < len(runes) && runes[i+1] == '"' {
				buf.WriteRune('"')
				i++
				continue
			}
			inQuotes = !inQuotes
		case '.':
			if inQuotes {
				buf.WriteRune(r)
				continue
			}
			parts = append(parts, strings.TrimSpace(buf.String()))
			buf.Reset()
		default:
			buf.WriteRune(r)
		}
	}
	return append(parts, strings.TrimSpace(buf.String()))
}

var tableNamerType = reflect.TypeOf((*TableNamer)(nil)).Elem()

// TableName resolves the table of target, which may be a table name string,
// a TableNamer, or a struct (pointer) whose type name is pluralized in snake case.
func TableName(target any) (string, error) {
	switch v := target.(type) {
	case nil:
		return "", errors.New("naming: nil table target")
	case string:
		name := strings.TrimSpace(v)
		if name == "" {
			return "", errors.New("naming: empty table name")
		}
		return name, nil
	case TableNamer:
		return namerTable(v, target)
	}

	typ := reflect.TypeOf(target)
	for typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return "", fmt.Errorf("naming: unsupported table target %T", target)
	}
	if reflect.PointerTo(typ).Implements(tableNamerType) {
		return namerTable(reflect.New(typ).Interface().(TableNamer), target)
	}
	return TableNameForType(typ.Name())
}

// TableNameForType pluralizes a Go type name in snake case: OrderLine -> order_lines.
func TableNameForType(typeName string) (string, error) {
	if typeName == "" {
		return "", errors.New("naming: cannot derive table name for anonymous type")
	}
	return inflection.Plural(ToSnakeCase(typeName)), nil
}

func namerTable(n TableNamer, target any) (string, error) {
	name := strings.TrimSpace(n.TableName())
	if name == "" {
		return "", fmt.Errorf("naming: %T.TableName returned an empty name", target)
	}
	return name, nil
}

// ToSnakeCase converts CamelCase to snake_case, keeping acronyms together:
// CustomerID -> customer_id, HTTPStatus -> http_status.
func ToSnakeCase(s string) string {
	runes := []rune(s)
	var b strings.Builder
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// GuessPrimaryKey picks the key column of table among columns: "id" first,
// then "<singular>_id". It returns "" when neither exists.
func GuessPrimaryKey(table string, columns []string) string {
	has := make(map[string]bool, len(columns))
	for _, c := range columns {
		has[c] = true
	}
	if has["id"] {
		return "id"
	}
	parts := SplitQualified(table)
	if len(parts) == 0 {
		return ""
	}
	candidate := inflection.Singular(parts[len(parts)-1]) + "_id"
	if has[candidate] {
		return candidate
	}
	return ""
}
