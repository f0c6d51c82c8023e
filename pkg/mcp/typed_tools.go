package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"

	"github.com/aixgo-dev/signup-agent/pkg/mandate"
)

// TypedTool wraps a handler over typed input and output. The schema is
// derived from I's struct tags.
type TypedTool[I, O any] struct {
	name        string
	description string
	scopes      []mandate.Scope
	handler     func(context.Context, I) (O, error)
	schema      Schema
}

// NewTypedTool creates a typed tool requiring scopes.
func NewTypedTool[I, O any](name, description string, handler func(context.Context, I) (O, error), scopes ...mandate.Scope) *TypedTool[I, O] {
	return &TypedTool[I, O]{
		name:        name,
		description: description,
		scopes:      scopes,
		handler:     handler,
		schema:      generateSchema[I](),
	}
}

// Schema returns the derived schema.
func (t *TypedTool[I, O]) Schema() Schema { return t.schema }

// ToTool converts t to a Tool.
func (t *TypedTool[I, O]) ToTool() Tool {
	return Tool{
		Name:           t.name,
		Description:    t.description,
		Schema:         t.schema,
		RequiredScopes: t.scopes,
		Handler: func(ctx context.Context, args Args) (any, error) {
			var in I
			raw, err := json.Marshal(args)
			if err != nil {
				return nil, fmt.Errorf("failed to marshal args: %w", err)
			}
			if err := json.Unmarshal(raw, &in); err != nil {
				return nil, fmt.Errorf("failed to unmarshal args into %T: %w", in, err)
			}
			return t.handler(ctx, in)
		},
	}
}

// RegisterTypedTool registers a TypedTool.
func (s *Server) RegisterTypedTool(tool interface{ ToTool() Tool }) error {
	return s.RegisterTool(tool.ToTool())
}

// generateSchema reads json, description and jsonschema tags. jsonschema
// accepts "required", "minLength=N", "maxLength=N", "minimum=N",
// "maximum=N" and "enum=a|b".
func generateSchema[T any]() Schema {
	schema := Schema{}
	typ := reflect.TypeOf((*T)(nil)).Elem()
	if typ.Kind() == reflect.Pointer {
		typ = typ.Elem()
	}
	if typ.Kind() != reflect.Struct {
		return schema
	}

	for i := 0; i < typ.NumField(); i++ {
		f := typ.Field(i)
		if !f.IsExported() {
			continue
		}
		name := jsonName(f)
		if name == "-" {
			continue
		}
		field := SchemaField{
			Type:        jsonType(f.Type),
			Description: f.Tag.Get("description"),
		}
		applySchemaTag(f.Tag.Get("jsonschema"), &field)
		schema[name] = field
	}
	return schema
}

func jsonName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
	if name == "" {
		return f.Name
	}
	return name
}

func jsonType(t reflect.Type) string {
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "integer"
	case reflect.Float32, reflect.Float64:
		return "number"
	case reflect.Bool:
		return "boolean"
	case reflect.Slice, reflect.Array:
		return "array"
	default:
		return "object"
	}
}

func applySchemaTag(tag string, field *SchemaField) {
	for _, part := range strings.Split(tag, ",") {
		key, value, _ := strings.Cut(strings.TrimSpace(part), "=")
		switch key {
		case "required":
			field.Required = true
		case "minLength":
			field.MinLength, _ = strconv.Atoi(value)
		case "maxLength":
			field.MaxLength, _ = strconv.Atoi(value)
		case "minimum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				field.Minimum = &f
			}
		case "maximum":
			if f, err := strconv.ParseFloat(value, 64); err == nil {
				field.Maximum = &f
			}
		case "enum":
			for _, v := range strings.Split(value, "|") {
				field.Enum = append(field.Enum, v)
			}
		}
	}
}
