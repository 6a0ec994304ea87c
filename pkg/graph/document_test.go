package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleGraph = `{
	"3": {
		"class_type": "KSampler",
		"inputs": {"seed": 156680208700286, "steps": 20, "cfg": 8.5, "model": ["4", 0]},
		"_meta": {"title": "KSampler"}
	},
	"6": {
		"class_type": "CLIPTextEncode",
		"inputs": {"text": "a photograph", "clip": ["4", 1]}
	},
	"9": {
		"class_type": "SaveImage",
		"inputs": {"filename_prefix": "ComfyUI", "images": ["8", 0]}
	}
}`

func TestParseAndEncodeRoundTrip(t *testing.T) {
	doc, err := Parse([]byte(sampleGraph))
	require.NoError(t, err)
	require.Len(t, doc, 3)

	encoded, err := doc.Encode()
	require.NoError(t, err)

	var got, want map[string]interface{}
	require.NoError(t, json.Unmarshal(encoded, &got))
	require.NoError(t, json.Unmarshal([]byte(sampleGraph), &want))
	assert.Equal(t, want, got)
}

func TestParsePreservesLargeNumbers(t *testing.T) {
	doc, err := Parse([]byte(sampleGraph))
	require.NoError(t, err)

	inputs, ok := doc["3"].Group(InputsGroup)
	require.True(t, ok)

	seed, ok := inputs["seed"].(json.Number)
	require.True(t, ok, "numbers should decode as json.Number")
	assert.Equal(t, "156680208700286", seed.String())

	cfg, ok := inputs["cfg"].(json.Number)
	require.True(t, ok)
	assert.Equal(t, "8.5", cfg.String())
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse([]byte(`{"6": [1, 2]}`))
	assert.Error(t, err)

	_, err = Parse([]byte(`not json`))
	assert.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	doc, err := Parse([]byte(sampleGraph))
	require.NoError(t, err)

	snapshot, err := doc.Encode()
	require.NoError(t, err)

	clone := doc.Clone()
	clone.SetField("6", InputsGroup, "text", "something else")
	clone["3"].EnsureGroup(InputsGroup)["steps"] = 99
	if model, ok := clone["3"].Groups[InputsGroup]["model"].([]interface{}); ok {
		model[0] = "mutated"
	}

	after, err := doc.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, string(snapshot), string(after), "original must be unchanged after mutating a clone")
}

func TestSetField(t *testing.T) {
	doc, err := Parse([]byte(sampleGraph))
	require.NoError(t, err)

	assert.True(t, doc.SetField("6", InputsGroup, "text", "a cat"))
	assert.Equal(t, "a cat", doc["6"].Groups[InputsGroup]["text"])

	// creates the group when absent
	assert.True(t, doc.SetField("9", "widgets", "strength", 0.5))
	assert.Equal(t, 0.5, doc["9"].Groups["widgets"]["strength"])

	// unknown node is reported, not created
	assert.False(t, doc.SetField("404", InputsGroup, "text", "x"))
	_, exists := doc["404"]
	assert.False(t, exists)
}

func TestFindByClass(t *testing.T) {
	doc, err := Parse([]byte(sampleGraph))
	require.NoError(t, err)

	id, node, ok := doc.FindByClass("SaveImage")
	require.True(t, ok)
	assert.Equal(t, "9", id)
	assert.Equal(t, "SaveImage", node.ClassType)

	_, _, ok = doc.FindByClass("LoadImage")
	assert.False(t, ok)
}

func TestNodeExtraKeysSurviveRoundTrip(t *testing.T) {
	raw := `{"1": {"class_type": "Note", "inputs": {}, "order": 7, "mode": "always"}}`
	doc, err := Parse([]byte(raw))
	require.NoError(t, err)

	encoded, err := doc.Encode()
	require.NoError(t, err)
	assert.JSONEq(t, raw, string(encoded))
}
