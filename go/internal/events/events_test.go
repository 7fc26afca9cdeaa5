package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMarshalsPayload(t *testing.T) {
	ev := New("sess-1", TypeChat, ChatPayload{From: "p1", Message: "hi"})

	require.NotNil(t, ev)
	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, "sess-1", ev.SessionID)
	assert.Equal(t, TypeChat, ev.Type)

	var payload ChatPayload
	require.NoError(t, json.Unmarshal(ev.Data, &payload))
	assert.Equal(t, "p1", payload.From)
}

func TestNewWithoutPayload(t *testing.T) {
	ev := New("", TypeSessionLeft, nil)
	require.NotNil(t, ev)
	assert.Nil(t, ev.Data)
}

func TestNewSurvivesInvalidStateBlob(t *testing.T) {
	// A rules engine handing back a malformed blob must not take down the
	// broadcast path; the event is built without data instead.
	require.NotPanics(t, func() {
		ev := New("sess-1", TypeStateUpdate, StateUpdatePayload{
			Turn:  3,
			State: json.RawMessage(`{"unterminated`),
		})
		require.NotNil(t, ev)
		assert.Equal(t, TypeStateUpdate, ev.Type)
		assert.Nil(t, ev.Data)
	})
}
