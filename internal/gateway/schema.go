package gateway

import "github.com/xeipuuv/gojsonschema"

// Схемы ответов внешних сервисов. Компилируются при загрузке пакета.
var (
	analyzeSchema = mustSchema(`{
		"type": "object",
		"required": ["match_score"],
		"properties": {
			"match_score": {"type": "number", "minimum": 0, "maximum": 1},
			"recommendations": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	contentSchema = mustSchema(`{
		"type": "object",
		"required": ["content_ref"],
		"properties": {
			"content_ref": {"type": "string", "minLength": 1}
		}
	}`)

	planSchema = mustSchema(`{
		"type": "object",
		"required": ["actions"],
		"properties": {
			"actions": {
				"type": "array",
				"items": {
					"type": "object",
					"required": ["type", "selector"],
					"properties": {
						"type": {"type": "string"},
						"selector": {"type": "string"},
						"value": {"type": "string"}
					}
				}
			}
		}
	}`)

	verifySchema = mustSchema(`{
		"type": "object",
		"properties": {
			"confirmed": {"type": "boolean"},
			"reason": {"type": "string"},
			"page_text": {"type": "string"}
		},
		"anyOf": [
			{"required": ["confirmed"]},
			{"required": ["page_text"]}
		]
	}`)

	navigateSchema = mustSchema(`{
		"type": "object",
		"required": ["page_snapshot_ref"],
		"properties": {
			"page_snapshot_ref": {"type": "string", "minLength": 1}
		}
	}`)

	fillSchema = mustSchema(`{
		"type": "object",
		"required": ["form_state_ref"],
		"properties": {
			"form_state_ref": {"type": "string", "minLength": 1}
		}
	}`)

	validateSchema = mustSchema(`{
		"type": "object",
		"required": ["valid"],
		"properties": {
			"valid": {"type": "boolean"},
			"errors": {"type": "array", "items": {"type": "string"}}
		}
	}`)

	submitSchema = mustSchema(`{
		"type": "object",
		"required": ["confirmation_ref"],
		"properties": {
			"confirmation_ref": {"type": "string", "minLength": 1}
		}
	}`)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic("gateway: invalid schema: " + err.Error())
	}
	return schema
}
