package tracking

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/roach88/auditscope/internal/naming"
)

// field is one column-mapped struct field. index is relative to the root entity.
type field struct {
	name   string
	column string
	index  []int
	pk     bool
	auto   bool
	fk     bool
	ref    string
}

// schema is the parsed mapping of an entity type, or of an owned struct
// within it. Owned schemas have no table and prefixed columns.
type schema struct {
	typeName string
	table    naming.Name
	index    []int
	fields   []field
	owned    []*schema
}

var (
	schemaCache sync.Map // reflect.Type -> *schema
	timeType    = reflect.TypeOf(time.Time{})
)

// schemaOf parses the `track` tags of the struct behind entity.
//
// Tag format: `track:"column,pk,auto,fk,ref=Field,owned"`. An empty column
// defaults to the snake_case field name; "-" skips the field. Untagged struct,
// slice and map fields are navigation properties and are not mapped.
func schemaOf(entity any) (*schema, error) {
	t := reflect.TypeOf(entity)
	if t == nil || t.Kind() != reflect.Pointer || t.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("tracking: entity must be a pointer to struct, got %T", entity)
	}
	t = t.Elem()
	if cached, ok := schemaCache.Load(t); ok {
		return cached.(*schema), nil
	}

	tableName, err := naming.TableName(entity)
	if err != nil {
		return nil, err
	}
	s := &schema{typeName: t.Name(), table: naming.Parse(tableName)}
	if err := parseFields(s, t, nil, ""); err != nil {
		return nil, err
	}

	if !hasPK(s.fields) {
		cols := make([]string, len(s.fields))
		for i, f := range s.fields {
			cols[i] = f.column
		}
		pk := naming.GuessPrimaryKey(s.table.Table, cols)
		if pk == "" {
			return nil, fmt.Errorf("tracking: %s has no primary key", s.typeName)
		}
		for i := range s.fields {
			if s.fields[i].column == pk {
				s.fields[i].pk = true
			}
		}
	}

	cached, _ := schemaCache.LoadOrStore(t, s)
	return cached.(*schema), nil
}

func hasPK(fields []field) bool {
	for _, f := range fields {
		if f.pk {
			return true
		}
	}
	return false
}

func parseFields(s *schema, t reflect.Type, parent []int, prefix string) error {
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		tag, tagged := sf.Tag.Lookup("track")
		if tag == "-" {
			continue
		}

		index := append(append([]int{}, parent...), i)
		opts := strings.Split(tag, ",")
		column := strings.TrimSpace(opts[0])
		if column == "" {
			column = naming.ToSnakeCase(sf.Name)
		}
		column = prefix + column

		f := field{name: sf.Name, column: column, index: index}
		owned := false
		for _, opt := range opts[1:] {
			switch opt = strings.TrimSpace(opt); {
			case opt == "pk":
				f.pk = true
			case opt == "auto":
				f.auto = true
			case opt == "fk":
				f.fk = true
			case opt == "owned":
				owned = true
			case strings.HasPrefix(opt, "ref="):
				f.ref = strings.TrimPrefix(opt, "ref=")
			case opt == "":
			default:
				return fmt.Errorf("tracking: %s.%s: unknown tag option %q", t.Name(), sf.Name, opt)
			}
		}

		if owned {
			ot := sf.Type
			if ot.Kind() == reflect.Pointer {
				ot = ot.Elem()
			}
			if ot.Kind() != reflect.Struct {
				return errors.New("tracking: owned field " + sf.Name + " is not a struct")
			}
			child := &schema{typeName: ot.Name(), index: index}
			if err := parseFields(child, ot, index, column+"_"); err != nil {
				return err
			}
			s.owned = append(s.owned, child)
			continue
		}
		if !tagged && isNavigation(sf.Type) {
			continue
		}
		s.fields = append(s.fields, f)
	}
	return nil
}

func isNavigation(t reflect.Type) bool {
	if t == timeType {
		return false
	}
	switch t.Kind() {
	case reflect.Pointer:
		return t.Elem().Kind() == reflect.Struct && t.Elem() != timeType
	case reflect.Struct, reflect.Map:
		return true
	case reflect.Slice:
		return t.Elem().Kind() != reflect.Uint8
	default:
		return false
	}
}

// allFields returns the fields of s and of every owned schema below it.
func (s *schema) allFields() []field {
	out := append([]field{}, s.fields...)
	for _, o := range s.owned {
		out = append(out, o.allFields()...)
	}
	return out
}

// read returns the value at index below root. Nil pointers on the path, and
// nil leaf pointers, read as nil. Non-nil leaf pointers are dereferenced.
func read(root reflect.Value, index []int) any {
	v, err := root.FieldByIndexErr(index)
	if err != nil {
		return nil
	}
	if v.Kind() == reflect.Pointer {
		if v.IsNil() {
			return nil
		}
		if v.Elem().Kind() != reflect.Struct || v.Elem().Type() == timeType {
			return v.Elem().Interface()
		}
	}
	return v.Interface()
}
