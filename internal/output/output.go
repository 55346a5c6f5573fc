// Package output renders command results as a table, JSON or YAML.
package output

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

const (
	FormatTable = "table"
	FormatJSON  = "json"
	FormatYAML  = "yaml"
)

func ValidFormat(format string) bool {
	switch strings.ToLower(format) {
	case "", FormatTable, FormatJSON, FormatYAML:
		return true
	}
	return false
}

// Write renders data to w. Tables take a struct or a slice of structs and
// use the yaml tag of each field as its column name.
func Write(w io.Writer, format string, data any) error {
	switch strings.ToLower(format) {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(data); err != nil {
			return errors.Wrap(err, "encode yaml")
		}
		return enc.Close()
	case "", FormatTable:
		return writeTable(w, data)
	default:
		return errors.Errorf("unknown output format %q", format)
	}
}

func writeTable(w io.Writer, data any) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	v := reflect.Indirect(reflect.ValueOf(data))
	switch v.Kind() {
	case reflect.Slice:
		if v.Len() == 0 {
			fmt.Fprintln(tw, "(none)")
			break
		}
		elem := reflect.Indirect(v.Index(0))
		if elem.Kind() != reflect.Struct {
			for i := 0; i < v.Len(); i++ {
				fmt.Fprintln(tw, v.Index(i).Interface())
			}
			break
		}
		fmt.Fprintln(tw, strings.Join(columns(elem.Type()), "\t"))
		for i := 0; i < v.Len(); i++ {
			fmt.Fprintln(tw, strings.Join(cells(reflect.Indirect(v.Index(i))), "\t"))
		}
	case reflect.Struct:
		names := columns(v.Type())
		vals := cells(v)
		for i := range names {
			fmt.Fprintf(tw, "%s:\t%s\n", names[i], vals[i])
		}
	default:
		fmt.Fprintln(tw, data)
	}
	return tw.Flush()
}

func columns(t reflect.Type) []string {
	out := make([]string, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := strings.Split(f.Tag.Get("yaml"), ",")[0]
		if name == "" || name == "-" {
			name = f.Name
		}
		out = append(out, strings.ToUpper(name))
	}
	return out
}

func cells(v reflect.Value) []string {
	out := make([]string, 0, v.NumField())
	for i := 0; i < v.NumField(); i++ {
		if !v.Type().Field(i).IsExported() {
			continue
		}
		out = append(out, fmt.Sprintf("%v", v.Field(i).Interface()))
	}
	return out
}
