package lib

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEventStatusTransition(t *testing.T) {
	tests := []struct {
		name     string
		from, to EventStatus
		expected bool
	}{
		{name: "pending to witnessing", from: Pending, to: Witnessing, expected: true},
		{name: "pending to proven", from: Pending, to: Proven, expected: true},
		{name: "witnessing to proven", from: Witnessing, to: Proven, expected: true},
		{name: "proven to archived", from: Proven, to: Archived, expected: true},
		{name: "witnessing to archived", from: Witnessing, to: Archived, expected: true},
		{name: "self", from: Witnessing, to: Witnessing},
		{name: "backwards", from: Proven, to: Witnessing},
		{name: "out of archived", from: Archived, to: Pending},
		{name: "unknown", from: Archived, to: Archived + 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, test.from.CanTransitionTo(test.to))
		})
	}
	require.False(t, Witnessing.IsTerminal())
	require.True(t, Proven.IsTerminal())
}

func TestEventStatusJSON(t *testing.T) {
	// execute the function call
	bz, err := json.Marshal(Witnessing)
	require.NoError(t, err)
	require.Equal(t, `"witnessing"`, string(bz))
	var got EventStatus
	require.NoError(t, json.Unmarshal(bz, &got))
	require.Equal(t, Witnessing, got)
	require.Error(t, json.Unmarshal([]byte(`"lost"`), &got))
}

func TestNewDigest(t *testing.T) {
	// wrong length is rejected
	_, err := NewDigest([]byte{1})
	require.True(t, IsError(err, MainModule, CodeInvalidDigest))
	// json is hex
	d, err := NewDigest(make([]byte, DigestSize))
	require.NoError(t, err)
	require.True(t, d.IsZero())
	d[0] = 0xab
	bz, e := json.Marshal(d)
	require.NoError(t, e)
	var got Digest
	require.NoError(t, json.Unmarshal(bz, &got))
	require.Equal(t, d, got)
}
