package stages

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const triageSchemaJSON = `{
  "type": "object",
  "required": ["search_terms"],
  "properties": {
    "risk_summary": {"type": "string"},
    "search_terms": {"type": "array", "minItems": 1, "items": {"type": "string"}}
  }
}`

const verdictSchemaJSON = `{
  "type": "object",
  "required": ["decision", "confidence"],
  "properties": {
    "decision": {"type": "string", "minLength": 1},
    "confidence": {"type": ["number", "string"]},
    "reasoning": {"type": "string"},
    "cited_policies": {"type": "array", "items": {"type": "string"}}
  }
}`

var (
	triageSchema  = mustCompile("triage", triageSchemaJSON)
	verdictSchema = mustCompile("verdict", verdictSchemaJSON)
)

func mustCompile(name, schema string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := "https://sentinel-auditor.local/schemas/" + name + ".schema.json"
	if err := c.AddResource(url, strings.NewReader(schema)); err != nil {
		panic(err)
	}
	return c.MustCompile(url)
}
