package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func wrap(body string) string {
	return BlockOpen + "\n" + body + "\n" + BlockClose
}

func TestParseMultipleExtractsSurroundingProse(t *testing.T) {
	text := "Looking at the repo now.\n" +
		wrap(`{"phase":"analysis","data":{"summary":"small change","recommended_splits":1}}`) +
		"\nThanks for waiting."

	p := New()
	results := p.ParseMultiple(text)
	require.Len(t, results, 1)
	assert.Equal(t, "Looking at the repo now.", results[0].BeforeText)
	assert.Equal(t, "Thanks for waiting.", results[0].AfterText)
	assert.Equal(t, PhaseAnalysis, results[0].Phase)
}

func TestParseMultipleHandlesMultipleBlocks(t *testing.T) {
	text := wrap(`{"phase":"progress","data":{"task_id":"t1","status":"running"}}`) +
		"\n...\n" +
		wrap(`{"phase":"completion","data":{"task_id":"t1","status":"success"}}`)

	p := New()
	results := p.ParseMultiple(text)
	require.Len(t, results, 2)
	assert.Equal(t, PhaseProgress, results[0].Phase)
	assert.Equal(t, PhaseCompletion, results[1].Phase)
	assert.Equal(t, "", results[0].AfterText)
	assert.Equal(t, "", results[1].BeforeText)
}

func TestParseMultipleSurfacesUnrecoverableBlockButKeepsOthers(t *testing.T) {
	text := wrap(`totally not json at all {{{`) +
		wrap(`{"phase":"aggregation","data":{"status":"complete"}}`)

	p := New()
	results := p.ParseMultiple(text)
	require.Len(t, results, 2)
	assert.True(t, results[0].Found)
	assert.ErrorIs(t, results[0].Err, ErrParseFailed)
	assert.Equal(t, Phase(""), results[0].Phase)
	assert.True(t, results[1].Found)
	assert.NoError(t, results[1].Err)
	assert.Equal(t, PhaseAggregation, results[1].Phase)
}

func TestParseMultipleSurfacesMissingEndDelimiter(t *testing.T) {
	text := "Here is my update.\n" + BlockOpen + "\n" + `{"phase":"progress"`

	p := New()
	results := p.ParseMultiple(text)
	require.Len(t, results, 1)
	assert.True(t, results[0].Found)
	assert.ErrorIs(t, results[0].Err, ErrMissingEnd)
	assert.Equal(t, "Here is my update.", results[0].BeforeText)
}

func TestParseOneReturnsMissingEndError(t *testing.T) {
	text := BlockOpen + "\n" + `{"phase":"progress"`

	p := New()
	_, err := p.ParseOne(text)
	assert.ErrorIs(t, err, ErrMissingEnd)
}

func TestRecoverJSONStripsTrailingCommas(t *testing.T) {
	out, err := recoverJSON(`{"phase":"aggregation","data":{"status":"complete",}}`)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRecoverJSONQuotesUnquotedKeys(t *testing.T) {
	out, err := recoverJSON(`{phase:"aggregation",data:{status:"complete"}}`)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRecoverJSONConvertsSingleQuotes(t *testing.T) {
	out, err := recoverJSON(`{'phase':'aggregation','data':{'status':'complete'}}`)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRecoverJSONQuotesBareValues(t *testing.T) {
	out, err := recoverJSON(`{"phase":"aggregation","data":{"status":complete}}`)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRecoverJSONStripsComments(t *testing.T) {
	out, err := recoverJSON(`{
		"phase":"aggregation", // trailing note
		/* block note */
		"data":{"status":"complete"}
	}`)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRecoverJSONExtractsLargestObject(t *testing.T) {
	out, err := recoverJSON(`here is my answer: {"phase":"aggregation","data":{"status":"complete"}} hope that helps`)
	require.NoError(t, err)
	assert.NotNil(t, out)
}

func TestRecoverJSONFailsOnUnrecoverableGarbage(t *testing.T) {
	_, err := recoverJSON(`not json and no braces at all`)
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestDecodeBlockDispatchesAllPhases(t *testing.T) {
	cases := []struct {
		name  string
		json  string
		phase Phase
	}{
		{"analysis", `{"phase":"analysis","data":{"summary":"s","recommended_splits":2}}`, PhaseAnalysis},
		{"task_list", `{"phase":"task_list","data":{"tasks":[{"id":"1","title":"t","description":"d"}]}}`, PhaseTaskList},
		{"progress", `{"phase":"progress","data":{"task_id":"1","status":"running"}}`, PhaseProgress},
		{"completion", `{"phase":"completion","data":{"task_id":"1","status":"success"}}`, PhaseCompletion},
		{"aggregation", `{"phase":"aggregation","data":{"status":"complete"}}`, PhaseAggregation},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			fields, err := recoverJSON(c.json)
			require.NoError(t, err)
			phase, payload, err := decodeBlock(fields)
			require.NoError(t, err)
			assert.Equal(t, c.phase, phase)
			assert.NotNil(t, payload)
		})
	}
}

func TestDecodeBlockRejectsMissingRequiredFields(t *testing.T) {
	fields, err := recoverJSON(`{"phase":"analysis","data":{"summary":"s"}}`)
	require.NoError(t, err)
	_, _, err = decodeBlock(fields)
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestDecodeBlockRejectsInvalidCompletionStatus(t *testing.T) {
	fields, err := recoverJSON(`{"phase":"completion","data":{"task_id":"1","status":"bogus"}}`)
	require.NoError(t, err)
	_, _, err = decodeBlock(fields)
	assert.ErrorIs(t, err, ErrParseFailed)
}

func TestDecodeBlockRejectsUnknownPhase(t *testing.T) {
	fields, err := recoverJSON(`{"phase":"mystery","data":{}}`)
	require.NoError(t, err)
	_, _, err = decodeBlock(fields)
	assert.ErrorIs(t, err, ErrUnknownPhase)
}

func TestDetectFindsCompletionKeywords(t *testing.T) {
	result := Detect("Great news, the task is completed and all tests pass.")
	assert.True(t, result.Detected)
	assert.Equal(t, PhaseCompletion, result.ProbablePhase)
	assert.Greater(t, result.Confidence, 0.0)
}

func TestDetectReturnsUndetectedForUnrelatedText(t *testing.T) {
	result := Detect("The weather is nice today.")
	assert.False(t, result.Detected)
}
