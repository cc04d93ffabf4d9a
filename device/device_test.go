package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateString(t *testing.T) {
	assert.Equal(t, "UNCHANGED", Unchanged.String())
	assert.Equal(t, "ON", On.String())
	assert.Equal(t, "OFF", Off.String())
	assert.Equal(t, "ERROR", Error.String())
	assert.Equal(t, "UNKNOWN", Unknown.String())
	assert.Equal(t, "State(9)", State(9).String())
}

func TestParseState(t *testing.T) {
	tests := []struct {
		in   string
		want State
	}{
		{"on", On},
		{"ON", On},
		{"off", Off},
		{" Off ", Off},
		{"1", On},
		{"0", Off},
		{"", Unchanged},
		{"unknown", Unknown},
	}
	for _, tt := range tests {
		got, err := ParseState(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := ParseState("toggle")
	require.Error(t, err)
}
