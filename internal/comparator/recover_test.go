package comparator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseObject_Direct(t *testing.T) {
	var out map[string]interface{}
	err := ParseObject(`{"change_detected": true, "confidence_score": 0.9}`, &out)
	require.NoError(t, err)
	assert.Equal(t, true, out["change_detected"])
}

func TestParseObject_CodeFence(t *testing.T) {
	raw := "```json\n{\"change_detected\": false}\n```"
	var out map[string]interface{}
	err := ParseObject(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, false, out["change_detected"])
}

func TestParseObject_ProseWrapped(t *testing.T) {
	raw := `Here is my analysis:
{"change_type": "numeric", "confidence_score": 0.75}
Let me know if you need more detail.`
	var out map[string]interface{}
	err := ParseObject(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, "numeric", out["change_type"])
}

func TestParseObject_TrailingComma(t *testing.T) {
	raw := `{"keywords": ["Nicotine", "20mg",], "change_detected": true,}`
	var out map[string]interface{}
	err := ParseObject(raw, &out)
	require.NoError(t, err)
	assert.Equal(t, true, out["change_detected"])
}

func TestParseObject_Truncated(t *testing.T) {
	var out map[string]interface{}
	err := ParseObject(`{"change_detected": true, "confiden`, &out)
	assert.Error(t, err)
}

func TestParseArray_BareAndFenced(t *testing.T) {
	var out []map[string]interface{}
	require.NoError(t, ParseArray(`[{"new_block_id": 0, "legacy_block_id": 1}]`, &out))
	require.Len(t, out, 1)

	out = nil
	fenced := "```\n[{\"new_block_id\": 2, \"legacy_block_id\": 2, \"confidence\": 0.8}]\n```"
	require.NoError(t, ParseArray(fenced, &out))
	require.Len(t, out, 1)
	assert.InDelta(t, 0.8, out[0]["confidence"], 1e-9)
}

func TestParseArray_Empty(t *testing.T) {
	var out []map[string]interface{}
	err := ParseArray("", &out)
	assert.Error(t, err)
}

func TestCleanResponse(t *testing.T) {
	assert.Equal(t, `{"a":1}`, CleanResponse("```json\n{\"a\":1}\n```"))
	assert.Equal(t, `{"a":1}`, CleanResponse(`{"a":1}`))
}
