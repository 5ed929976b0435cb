package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flowgen/internal/model"
)

func TestEncodeFlattensPayloadWithType(t *testing.T) {
	data, err := Encode(Generate{
		Prompts:  []string{"cat", "dog"},
		Settings: model.RunSettings{DelayMs: 20000},
		RunID:    "r1",
	})
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "GENERATE", raw["type"])
	assert.Equal(t, []any{"cat", "dog"}, raw["prompts"])
	assert.Equal(t, map[string]any{"delayMs": float64(20000)}, raw["settings"])
}

func TestDecodeKnownEnvelopes(t *testing.T) {
	cases := []struct {
		in   string
		want Message
	}{
		{`{"type":"PING"}`, Ping{}},
		{`{"type":"STOP"}`, Stop{}},
		{`{"type":"PROGRESS","current":2,"total":4}`, Progress{Current: 2, Total: 4}},
		{`{"type":"ERROR","error":"boom","runId":"r"}`, ErrorReport{Error: "boom", RunID: "r"}},
		{`{"type":"DOWNLOAD","url":"data:image/png;base64,AA=="}`, Download{URL: "data:image/png;base64,AA=="}},
		{`{"type":"GENERATION_COMPLETE"}`, GenerationComplete{}},
		{`{"type":"DOWNLOAD_COMPLETE"}`, DownloadComplete{}},
	}
	for _, tc := range cases {
		got, err := Decode([]byte(tc.in))
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"GET_TAB_ID"}`))
	assert.ErrorIs(t, err, ErrUnknownType)

	_, err = Decode([]byte(`not json`))
	assert.Error(t, err)
}

func TestRunIDOfEvents(t *testing.T) {
	assert.Equal(t, "r9", RunID(Progress{RunID: "r9"}))
	assert.Equal(t, "", RunID(Ping{}))
	assert.Equal(t, model.Artifact{SourceURL: "u", SuggestedName: "f.png"}, Download{URL: "u", Filename: "f.png"}.Artifact())
}
