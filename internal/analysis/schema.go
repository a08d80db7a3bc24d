package analysis

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/kalambet/jobharvest/internal/retry"
)

//go:embed schemas/*.json
var schemaFS embed.FS

// outputSchema is a JSON Schema used both as the Ollama structured output
// format and to validate what the model actually returned.
type outputSchema struct {
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

func mustLoadSchema(name string) outputSchema {
	raw, err := schemaFS.ReadFile("schemas/" + name)
	if err != nil {
		panic(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("parsing schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("adding schema %s: %v", name, err))
	}
	return outputSchema{raw: raw, compiled: c.MustCompile(name)}
}

var (
	analysisSchema = mustLoadSchema("analysis.json")
	companySchema  = mustLoadSchema("company.json")
)

// decode validates raw model output against the schema and unmarshals it
// into v. Undecodable text is a parse failure; valid JSON of the wrong
// shape is a format failure. Neither is worth retrying.
func (s outputSchema) decode(raw string, v any) error {
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", retry.ErrParse, err)
	}
	if err := s.compiled.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", retry.ErrFormat, err)
	}
	if err := json.Unmarshal([]byte(raw), v); err != nil {
		return fmt.Errorf("%w: %v", retry.ErrParse, err)
	}
	return nil
}
