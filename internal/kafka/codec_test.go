package kafka

import (
	"testing"

	"github.com/lvdashuaibi/craftvote/internal/model"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRewardEventCodec(t *testing.T) {
	event := &model.RewardEvent{
		Origin: "instance-a",
		Payload: model.RewardPayload{
			Voter:      "Steve",
			ServerSlug: "CoolTown",
			Timestamp:  1_700_000_000_000,
		},
	}

	msg, err := EncodeRewardEvent(event)
	require.NoError(t, err)
	assert.Equal(t, "CoolTown", string(msg.Key))
	assert.Equal(t, int64(1_700_000_000_000), msg.Time.UnixMilli())
	assert.JSONEq(t, `{"origin":"instance-a","payload":{"voterIdentity":"Steve","serverSlug":"CoolTown","timestamp":1700000000000}}`, string(msg.Value))

	decoded, err := DecodeRewardEvent(msg)
	require.NoError(t, err)
	assert.Equal(t, event, decoded)
}

func TestDecodeRewardEventRejectsBadMessages(t *testing.T) {
	_, err := DecodeRewardEvent(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)

	_, err = DecodeRewardEvent(kafka.Message{Value: []byte(`{"origin":"x","payload":{"voterIdentity":"Steve"}}`)})
	assert.Error(t, err)
}
