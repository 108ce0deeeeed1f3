package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJSON(t *testing.T) {
	type out struct {
		Answer string `json:"answer"`
	}

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"clean", `{"answer":"x"}`, "x", false},
		{"fenced", "```json\n{\"answer\":\"x\"}\n```", "x", false},
		{"bare fence", "```\n{\"answer\":\"x\"}\n```", "x", false},
		{"prose envelope", "Here is the result:\n{\"answer\":\"x\"}\nHope this helps!", "x", false},
		{"double encoded", `{\"answer\": \"x\"}`, "x", false},
		{"hopeless", "no json here at all", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var v out
			err := DecodeJSON(tt.in, &v)
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrBadJSON)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, v.Answer)
		})
	}
}

func TestDecodeJSON_Array(t *testing.T) {
	var v []int
	require.NoError(t, DecodeJSON("```json\n[1, 2, 3]\n```", &v))
	assert.Equal(t, []int{1, 2, 3}, v)
}
