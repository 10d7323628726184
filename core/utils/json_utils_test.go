package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanToolSchema(t *testing.T) {
	schema := map[string]interface{}{
		"$schema": "http://json-schema.org/draft-07/schema#",
		"title":   "Weather",
		"type":    "object",
		"properties": map[string]interface{}{
			"city": map[string]interface{}{"type": []interface{}{"null", "string"}, "default": "Paris"},
			"days": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "integer", "examples": []interface{}{1}},
			},
		},
	}

	out := CleanToolSchema(schema)
	assert.NotContains(t, out, "$schema")
	assert.NotContains(t, out, "title")
	assert.Equal(t, "object", out["type"])

	props := out["properties"].(map[string]interface{})
	city := props["city"].(map[string]interface{})
	assert.Equal(t, "string", city["type"])
	assert.NotContains(t, city, "default")

	items := props["days"].(map[string]interface{})["items"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"type": "integer"}, items)

	// 原始声明不变
	assert.Contains(t, schema, "$schema")
	assert.Nil(t, CleanToolSchema(nil))
}

func TestCompactArgs(t *testing.T) {
	args := CompactArgs(map[string]interface{}{"a": 1, "b": nil, "c": ""})
	assert.Equal(t, map[string]interface{}{"a": 1, "c": ""}, args)
}
