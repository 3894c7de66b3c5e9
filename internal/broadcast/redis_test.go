package broadcast

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestChannelName(t *testing.T) {
	assert.Equal(t, "markovtune:active_version", ChannelName("markovtune", activationChannel))
	assert.Equal(t, "active_version", ChannelName("  ", activationChannel))
}

func TestDecodeSkipsOwnAndInvalidMessages(t *testing.T) {
	b := &RedisBus{origin: "self", logger: zap.NewNop()}

	id, ok := b.decode(`{"versionId":7,"origin":"peer"}`)
	assert.True(t, ok)
	assert.Equal(t, int64(7), id)

	_, ok = b.decode(`{"versionId":7,"origin":"self"}`)
	assert.False(t, ok, "own announcements are ignored")

	_, ok = b.decode(`{"versionId":0,"origin":"peer"}`)
	assert.False(t, ok)

	_, ok = b.decode(`not json`)
	assert.False(t, ok)
}
