package control

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyWireShape(t *testing.T) {
	t.Parallel()

	// plain acks carry no status block
	ack, err := json.Marshal(&Reply{OK: true, Message: "PID gains updated"})
	require.NoError(t, err)
	assert.Equal(t, `{"ok":true,"message":"PID gains updated"}`, string(ack))

	// get_status replies carry it flat, not nested
	st, err := json.Marshal(&Reply{OK: true, Status: &Status{LoopFrequency: 1000, ControlEnabled: true}})
	require.NoError(t, err)
	assert.Contains(t, string(st), `"loop_frequency":1000`)
	assert.Contains(t, string(st), `"control_enabled":true`)
	assert.NotContains(t, string(st), `"Status"`)

	var plain Reply
	require.NoError(t, json.Unmarshal(ack, &plain))
	assert.True(t, plain.OK)
	assert.Nil(t, plain.Status)

	var full Reply
	require.NoError(t, json.Unmarshal(st, &full))
	require.NotNil(t, full.Status)
	assert.Equal(t, float64(1000), full.LoopFrequency)
}
