// Package main generates JSON schemas for the query API response payloads.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/pipewatch/pipewatch/internal/api"
	"github.com/pipewatch/pipewatch/internal/gitlab"
	"github.com/pipewatch/pipewatch/internal/store"
)

// Schema is the subset of JSON Schema the API payloads need.
type Schema struct {
	Schema      string             `json:"$schema,omitempty"`
	Title       string             `json:"title,omitempty"`
	Description string             `json:"description,omitempty"`
	Type        string             `json:"type,omitempty"`
	Properties  map[string]*Schema `json:"properties,omitempty"`
	Items       *Schema            `json:"items,omitempty"`
	Required    []string           `json:"required,omitempty"`
}

// payload describes one endpoint response shape.
type payload struct {
	name  string
	title string
	desc  string
	elem  any
	array bool
}

var outputDir string

func main() {
	flag.StringVar(&outputDir, "o", "docs/schemas", "Output directory for schemas")
	flag.Parse()

	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error creating output directory: %v\n", err)
		os.Exit(1)
	}

	payloads := []payload{
		{
			name:  "pipelines",
			title: "Pipeline Listing",
			desc:  "Response of GET /api/pipelines: latest matching fact rows, newest first",
			elem:  api.PipelineResponse{},
			array: true,
		},
		{
			name:  "stats_summary",
			title: "Summary Statistics",
			desc:  "Response of GET /api/stats/summary",
			elem:  store.SummaryStat{},
		},
		{
			name:  "stats_projects",
			title: "Per-Project Statistics",
			desc:  "Response of GET /api/stats/projects, ordered by average duration",
			elem:  store.ProjectStat{},
			array: true,
		},
		{
			name:  "stats_trend",
			title: "Daily Trend",
			desc:  "Response of GET /api/stats/trend: one point per (day, status) bucket",
			elem:  store.TrendPoint{},
			array: true,
		},
		{
			name:  "monitored_projects",
			title: "Monitored Projects",
			desc:  "Response of GET /api/monitored_projects",
			elem:  gitlab.Project{},
			array: true,
		},
	}

	for _, p := range payloads {
		if err := writeSchema(p.name, generateSchema(p)); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing schema for %s: %v\n", p.name, err)
			os.Exit(1)
		}

		fmt.Printf("Generated schema for %s\n", p.name)
	}

	fmt.Println("All schemas generated successfully")
}

func generateSchema(p payload) *Schema {
	t := reflect.TypeOf(p.elem)
	props, required := structToProperties(t)

	body := &Schema{
		Type:       "object",
		Properties: props,
		Required:   required,
	}

	root := body
	if p.array {
		root = &Schema{Type: "array", Items: body}
	}

	root.Schema = "https://json-schema.org/draft-07/schema#"
	root.Title = p.title
	root.Description = p.desc

	return root
}

// structToProperties maps json-tagged fields to property schemas. Pointer
// fields are nullable on the wire, so they are never listed as required.
func structToProperties(t reflect.Type) (map[string]*Schema, []string) {
	props := make(map[string]*Schema)

	var required []string

	for i := range t.NumField() {
		field := t.Field(i)

		jsonTag := field.Tag.Get("json")
		if jsonTag == "-" || jsonTag == "" {
			continue
		}

		parts := strings.Split(jsonTag, ",")
		jsonName := parts[0]
		omitempty := len(parts) > 1 && parts[1] == "omitempty"

		props[jsonName] = typeToSchema(field.Type)

		if !omitempty && field.Type.Kind() != reflect.Ptr {
			required = append(required, jsonName)
		}
	}

	return props, required
}

func typeToSchema(t reflect.Type) *Schema {
	switch t.Kind() {
	case reflect.String:
		return &Schema{Type: "string"}

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return &Schema{Type: "integer"}

	case reflect.Float32, reflect.Float64:
		return &Schema{Type: "number"}

	case reflect.Bool:
		return &Schema{Type: "boolean"}

	case reflect.Slice:
		return &Schema{Type: "array", Items: typeToSchema(t.Elem())}

	case reflect.Ptr:
		return typeToSchema(t.Elem())

	case reflect.Struct:
		if t == reflect.TypeOf(time.Time{}) {
			return &Schema{Type: "string", Description: "RFC 3339 timestamp"}
		}

		props, required := structToProperties(t)

		return &Schema{Type: "object", Properties: props, Required: required}

	default:
		return &Schema{Type: "object"}
	}
}

func writeSchema(name string, schema *Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	path := filepath.Join(outputDir, name+".json")

	return os.WriteFile(path, data, 0o644)
}
