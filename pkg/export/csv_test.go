package export

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veriflow/logocheck/pkg/types"
)

func TestResultsHeader(t *testing.T) {
	data, err := Results("batch-1", nil)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	assert.Equal(t, strings.Join(Header, ","), lines[0])
}

func TestResultsRoundTrip(t *testing.T) {
	conf := 0.92
	ts := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	in := []types.Result{
		{
			Input:      "https://cdn.example.com/a.png",
			IsValid:    types.ResultValid,
			Confidence: &conf,
			DetectedBy: "yolo",
			BBox:       []int{10, 20, 110, 220},
			Timestamp:  ts,
		},
		{
			Input:     "broken.jpg",
			IsValid:   types.ResultInvalid,
			Error:     "detector returned HTTP 404",
			Timestamp: ts,
		},
	}

	data, err := Results("batch-1", in)
	require.NoError(t, err)

	out, err := Parse(data)
	require.NoError(t, err)
	require.Len(t, out, 2)

	assert.Equal(t, in[0].Input, out[0].Input)
	assert.Equal(t, in[0].IsValid, out[0].IsValid)
	require.NotNil(t, out[0].Confidence)
	assert.InDelta(t, conf, *out[0].Confidence, 1e-9)
	assert.Equal(t, in[0].DetectedBy, out[0].DetectedBy)
	assert.Equal(t, in[0].BBox, out[0].BBox)
	assert.True(t, ts.Equal(out[0].Timestamp))

	assert.Equal(t, in[1].Input, out[1].Input)
	assert.Equal(t, in[1].Error, out[1].Error)
	assert.Nil(t, out[1].Confidence)
	assert.Empty(t, out[1].BBox)
}

func TestResultsBatchIDColumn(t *testing.T) {
	data, err := Results("batch-xyz", []types.Result{
		{Input: "a.png", IsValid: types.ResultInvalid, Timestamp: time.Now()},
	})
	require.NoError(t, err)
	assert.Contains(t, string(data), "batch-xyz")
}

func TestFormatBBox(t *testing.T) {
	tests := []struct {
		name string
		bbox []int
		want string
	}{
		{name: "empty", bbox: nil, want: ""},
		{name: "four coordinates", bbox: []int{1, 2, 3, 4}, want: "[1,2,3,4]"},
		{name: "negative", bbox: []int{-1, 0, 5, 9}, want: "[-1,0,5,9]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, formatBBox(tt.bbox))
		})
	}
}
