package api

import "github.com/xeipuuv/gojsonschema"

// createRequestSchemaDefinition is the basic shape check ahead of
// videojob.Validate's semantic invariants, grounded on
// handlers/json_schema.go's compile-at-package-init pattern: schema
// validation catches malformed JSON/missing required fields cheaply before
// domain validation ever runs.
const createRequestSchemaDefinition = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["output_format", "width", "height", "elements"],
	"properties": {
		"id": {"type": "string"},
		"output_format": {"type": "string", "enum": ["mp4", "mov", "avi"]},
		"width": {"type": "integer"},
		"height": {"type": "integer"},
		"priority": {"type": "string", "enum": ["low", "normal", "high", "critical", ""]},
		"callback_url": {"type": "string"},
		"elements": {
			"type": "array",
			"minItems": 1,
			"items": {
				"type": "object",
				"required": ["id", "type", "source"],
				"properties": {
					"id": {"type": "string"},
					"type": {"type": "string", "enum": ["video", "image"]},
					"source": {"type": "string"},
					"track": {"type": "integer"},
					"x": {"type": "string"},
					"y": {"type": "string"},
					"width": {"type": "string"},
					"height": {"type": "string"},
					"fit_mode": {"type": "string", "enum": ["auto", "contain", "cover", "fill", ""]},
					"start_time": {"type": "number"},
					"duration": {"type": "number"}
				}
			}
		}
	}
}`

// compileSchema panics at package init on a malformed schema literal, the
// same "fix schema text" discipline handlers/json_schema.go applies: a
// broken schema is a build-time bug, not a request-time failure mode.
func compileSchema() *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(createRequestSchemaDefinition))
	if err != nil {
		panic(err)
	}
	return schema
}

var createRequestSchema = compileSchema()
