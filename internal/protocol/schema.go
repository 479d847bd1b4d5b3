package protocol

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const schemaBase = "https://procworld.local/schemas/"

// Validator checks inbound envelopes and payloads against the embedded JSON
// schemas. Message types without a schema are accepted as-is.
type Validator struct {
	envelope *jsonschema.Schema
	payloads map[MessageType]*jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020

	entries, err := fs.ReadDir(schemaFS, "schemas")
	if err != nil {
		return nil, fmt.Errorf("read embedded schemas: %w", err)
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".schema.json") {
			continue
		}
		data, err := schemaFS.ReadFile(path.Join("schemas", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read schema %s: %w", entry.Name(), err)
		}
		if err := compiler.AddResource(schemaBase+entry.Name(), bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("add schema %s: %w", entry.Name(), err)
		}
		names = append(names, entry.Name())
	}

	v := &Validator{payloads: make(map[MessageType]*jsonschema.Schema)}
	for _, name := range names {
		schema, err := compiler.Compile(schemaBase + name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		msgType := MessageType(strings.TrimSuffix(name, ".schema.json"))
		if msgType == "envelope" {
			v.envelope = schema
			continue
		}
		v.payloads[msgType] = schema
	}
	if v.envelope == nil {
		return nil, fmt.Errorf("embedded schemas missing envelope.schema.json")
	}
	return v, nil
}

// Validate checks a raw frame and returns the decoded envelope.
func (v *Validator) Validate(frame []byte) (Envelope, error) {
	var doc any
	if err := json.Unmarshal(frame, &doc); err != nil {
		return Envelope{}, fmt.Errorf("parse frame: %w", err)
	}
	if err := v.envelope.Validate(doc); err != nil {
		return Envelope{}, fmt.Errorf("invalid envelope: %w", err)
	}
	env, err := Decode(frame)
	if err != nil {
		return Envelope{}, err
	}
	if err := v.ValidatePayload(env); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// ValidatePayload checks the (decompressed) payload of env against the
// schema registered for its type.
func (v *Validator) ValidatePayload(env Envelope) error {
	schema, ok := v.payloads[env.Type]
	if !ok {
		return nil
	}
	raw, err := env.RawPayload()
	if err != nil {
		return err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parse %s payload: %w", env.Type, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s payload: %w", env.Type, err)
	}
	return nil
}

// Types lists the message types that carry a payload schema.
func (v *Validator) Types() []MessageType {
	out := make([]MessageType, 0, len(v.payloads))
	for t := range v.payloads {
		out = append(out, t)
	}
	return out
}
