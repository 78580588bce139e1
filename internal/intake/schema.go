package intake

import (
	"bytes"
	_ "embed"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

//go:embed request.schema.json
var requestSchema []byte

const requestSchemaURL = "request.schema.json"

func compileRequestSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(requestSchema))
	if err != nil {
		return nil, fmt.Errorf("parse request schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(requestSchemaURL, doc); err != nil {
		return nil, fmt.Errorf("add request schema: %w", err)
	}
	sch, err := c.Compile(requestSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile request schema: %w", err)
	}
	return sch, nil
}
