package workflow

import (
	_ "embed"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed graph_schema.json
var graphSchemaJSON string

var (
	graphSchemaOnce sync.Once
	graphSchemaVal  *jsonschema.Schema
)

// graphSchema compiles the embedded workflow document schema once.
func graphSchema() *jsonschema.Schema {
	graphSchemaOnce.Do(func() {
		graphSchemaVal = jsonschema.MustCompileString("graph_schema.json", graphSchemaJSON)
	})
	return graphSchemaVal
}
