package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	channels []string
	payloads [][]byte
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.channels = append(f.channels, channel)
	f.payloads = append(f.payloads, message.([]byte))
	cmd.SetVal(1)
	return cmd
}

func TestRedisBridge_PublishesToInstanceAndAll(t *testing.T) {
	fake := &fakeRedis{}
	bridge := NewRedisBridge(fake, "")

	e := New(StageCompleted, "abc")
	e.CurrentStage = "deploying"
	require.NoError(t, bridge.Handle(e))

	assert.Equal(t, []string{"handoff:events:abc", "handoff:events:all"}, fake.channels)

	var decoded Event
	require.NoError(t, json.Unmarshal(fake.payloads[0], &decoded))
	assert.Equal(t, StageCompleted, decoded.Type)
	assert.Equal(t, "deploying", decoded.CurrentStage)
}

func TestRedisBridge_ReturnsPublishError(t *testing.T) {
	bridge := NewRedisBridge(&fakeRedis{err: errors.New("connection reset")}, "x")
	err := bridge.Handle(New(StageStarted, "abc"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
	assert.Equal(t, "x:abc", bridge.Channel("abc"))
}
