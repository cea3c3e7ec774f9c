package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStepNameForCommand(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ReserveCreditCommand", "ReserveCredit"},
		{"ShipGoodsCommand", "ShipGoods"},
		{"Command", "Command"},
		{"ReserveCredit", "ReserveCredit"},
		{"", ""},
	}
	for _, tc := range tests {
		assert.Equal(t, tc.want, StepNameForCommand(tc.in), tc.in)
	}
}

func TestQueueNaming(t *testing.T) {
	n := QueueNaming{CommandPrefix: "APP.CMD.", QueueSuffix: ".Q"}
	assert.Equal(t, "APP.CMD.RESERVECREDIT.Q", n.CommandTopic("ReserveCredit"))
	assert.Equal(t, DefaultReplyQueue, n.ReplyTopic())

	n.ReplyQueue = "MY.REPLY.Q"
	assert.Equal(t, "MY.REPLY.Q", n.ReplyTopic())
}

func TestEnvelopeHeader(t *testing.T) {
	var e Envelope
	assert.Empty(t, e.Header(HeaderCommandID), "nil header map is tolerated")

	e.Headers = map[string]string{HeaderBusinessKey: "order-7"}
	assert.Equal(t, "order-7", e.Header(HeaderBusinessKey))
}

func TestParallelKeys(t *testing.T) {
	key := ParallelKey("Confirm")
	assert.Equal(t, "_parallel_Confirm", key)
	assert.True(t, IsParallelKey(key))
	assert.False(t, IsParallelKey("amount"))
}

func TestProcessStatusTerminal(t *testing.T) {
	assert.True(t, ProcessSucceeded.Terminal())
	assert.True(t, ProcessFailedStatus.Terminal())
	assert.True(t, ProcessCompensated.Terminal())
	assert.False(t, ProcessRunning.Terminal())
	assert.False(t, ProcessCompensating.Terminal())
	assert.False(t, ProcessPausedStatus.Terminal())
}
