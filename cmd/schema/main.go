package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/invopop/jsonschema"

	"procworld/internal/protocol"
)

const schemaBase = "https://procworld.local/schemas/"

func main() {
	var outDir string
	flag.StringVar(&outDir, "out", "docs/schemas", "directory to write the payload JSON schemas into")
	flag.Parse()

	if outDir == "" {
		fmt.Fprintln(os.Stderr, "--out is required")
		os.Exit(1)
	}

	schemas := buildSchemas()
	names := make([]string, 0, len(schemas))
	for name := range schemas {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		outPath := filepath.Join(outDir, name)
		if err := writeSchema(outPath, schemas[name]); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write %s: %v\n", name, err)
			os.Exit(1)
		}
		fmt.Println(outPath)
	}
}

// buildSchemas reflects the envelope and every payload type into schemas
// keyed by file name.
func buildSchemas() map[string]*jsonschema.Schema {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}

	out := make(map[string]*jsonschema.Schema)
	add := func(name, title string, v any) {
		file := name + ".schema.json"
		schema := reflector.Reflect(v)
		schema.ID = jsonschema.ID(schemaBase + file)
		schema.Title = title
		out[file] = schema
	}

	add("envelope", "Envelope", &protocol.Envelope{})
	for msgType, payload := range protocol.Payloads() {
		add(string(msgType), fmt.Sprintf("%s payload", msgType), payload)
	}
	return out
}

func writeSchema(outPath string, schema *jsonschema.Schema) error {
	data, err := json.MarshalIndent(schema, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal schema: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return fmt.Errorf("create schema directory: %w", err)
	}

	tmpPath := outPath + ".tmp"
	if err := os.WriteFile(tmpPath, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write temp schema: %w", err)
	}

	if err := os.Rename(tmpPath, outPath); err != nil {
		return fmt.Errorf("replace schema: %w", err)
	}

	return nil
}
