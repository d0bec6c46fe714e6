package rules_test

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/glosa-engine/rules"
)

func TestCompile_RejectsInvalidRules(t *testing.T) {
	base := func(extra string) string {
		return `{"id":"R1","target":"guia","impact_metadata":{"category":"VALIDATION","severity":"LOW"},` + extra + `}`
	}
	tests := []struct {
		name string
		rule string
	}{
		{"missing action", base(`"description":"x"`)},
		{"unknown verb", base(`"action":{"verb":"explode"}`)},
		{"unknown prefix", base(`"action":{"verb":"set_text","xpath":"./ans:tipo","value":"1"}`)},
		{"absolute xpath", base(`"action":{"verb":"remove_element","xpath":"/lote/guia"}`)},
		{"bad regex", base(`"conditions":{"kind":"tag_value","xpath":"./a","compare":"matches_regex","value":"(["},"action":{"verb":"alert","message":"m"}`)},
		{"numeric operand", base(`"conditions":{"kind":"tag_value","xpath":"./a","compare":"numeric_gt","value":"dez"},"action":{"verb":"alert","message":"m"}`)},
		{"NOT with two children", base(`"conditions":{"kind":"composite","op":"NOT","conditions":[{"kind":"tag_value","xpath":"./a","compare":"exists"},{"kind":"tag_value","xpath":"./b","compare":"exists"}]},"action":{"verb":"alert","message":"m"}`)},
		{"empty AND", base(`"conditions":{"kind":"composite","op":"AND","conditions":[]},"action":{"verb":"alert","message":"m"}`)},
		{"unknown kind", base(`"conditions":{"kind":"magic"},"action":{"verb":"alert","message":"m"}`)},
		{"duplicate order entry", base(`"action":{"verb":"reorder_children","order":["a","a"]}`)},
		{"element with unknown prefix", base(`"action":{"verb":"append_child","element":{"name":"ans:x"}}`)},
		{"copy_text without source", base(`"action":{"verb":"copy_text","xpath":"./a"}`)},
		{"empty multiple", base(`"action":{"verb":"multiple","actions":[]}`)},
		{"bad category", `{"id":"R1","target":"guia","impact_metadata":{"category":"MONEY","severity":"LOW"},"action":{"verb":"alert","message":"m"}}`},
		{"target with prefix", `{"id":"R1","target":"ptu:guia","impact_metadata":{"category":"VALIDATION","severity":"LOW"},"action":{"verb":"alert","message":"m"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r rules.Rule
			require.NoError(t, json.Unmarshal([]byte(tt.rule), &r))

			err := r.Compile(testXPath(), 0)

			assert.ErrorIs(t, err, rules.ErrConfig)
		})
	}
}

func TestCompile_DepthBound(t *testing.T) {
	leaf := `{"kind":"tag_value","xpath":"./a","compare":"exists"}`
	nested := leaf
	for i := 0; i < 4; i++ {
		nested = `{"kind":"composite","op":"NOT","conditions":[` + nested + `]}`
	}
	src := `{"id":"R-DEEP","target":"guia","impact_metadata":{"category":"VALIDATION","severity":"LOW"},` +
		`"conditions":` + nested + `,"action":{"verb":"alert","message":"m"}}`

	var shallow, deep rules.Rule
	require.NoError(t, json.Unmarshal([]byte(src), &shallow))
	require.NoError(t, json.Unmarshal([]byte(src), &deep))

	assert.NoError(t, shallow.Compile(testXPath(), 5))

	err := deep.Compile(testXPath(), 4)
	assert.ErrorIs(t, err, rules.ErrConfig)
	assert.True(t, strings.Contains(err.Error(), "R-DEEP"))
}
