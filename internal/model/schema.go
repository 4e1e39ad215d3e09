package model

import (
	"embed"
	"fmt"
	"slices"
	"strings"

	jss "github.com/kaptinlin/jsonschema"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

var (
	requestSchema      = mustCompile("schemas/task_request.schema.json")
	cancellationSchema = mustCompile("schemas/cancellation.schema.json")
)

func mustCompile(path string) *jss.Schema {
	b, err := schemaFS.ReadFile(path)
	if err != nil {
		panic(fmt.Errorf("reading embedded schema: %w", err))
	}
	schema, err := jss.NewCompiler().Compile(b)
	if err != nil {
		panic(fmt.Errorf("compiling schema %s: %w", path, err))
	}
	return schema
}

// validateJSON checks a decoded JSON document against schema, errors are
// sorted by keyword.
func validateJSON(schema *jss.Schema, doc any) error {
	res := schema.Validate(doc)
	if res.Valid {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors))
	for _, err := range res.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", err.Keyword, err.Error()))
	}
	slices.Sort(msgs)
	return fmt.Errorf("schema validation failed: %s", strings.Join(msgs, "; "))
}
