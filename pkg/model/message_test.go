package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToggleReaction(t *testing.T) {
	m := &Message{}
	m.ToggleReaction("a", "👍")
	m.ToggleReaction("b", "🎉")
	assert.Equal(t, []Reaction{{"a", "👍"}, {"b", "🎉"}}, m.Reactions)

	// same pair toggles off
	m.ToggleReaction("a", "👍")
	assert.Equal(t, []Reaction{{"b", "🎉"}}, m.Reactions)

	// a different emoji replaces the previous one
	m.ToggleReaction("b", "❤️")
	assert.Equal(t, []Reaction{{"b", "❤️"}}, m.Reactions)

	// empty emoji clears
	m.ToggleReaction("b", "")
	assert.Empty(t, m.Reactions)
	m.ToggleReaction("c", "")
	assert.Empty(t, m.Reactions)
}

func TestToggleReactionDoesNotAliasClone(t *testing.T) {
	m := &Message{}
	m.ToggleReaction("a", "x")
	m.ToggleReaction("b", "y")
	snap := m.Clone()
	m.ToggleReaction("a", "x")
	assert.Len(t, snap.Reactions, 2)
	assert.Len(t, m.Reactions, 1)
}

func TestTombstone(t *testing.T) {
	at := time.Unix(100, 0)
	m := &Message{
		Body:      AttachmentBody{Attachment: Attachment{Locator: "loc", Kind: KindImage}},
		Reactions: []Reaction{{"a", "x"}},
	}
	att, had := m.Tombstone(at)
	require.True(t, had)
	assert.Equal(t, "loc", att.Locator)
	assert.True(t, m.IsDeleted)
	assert.False(t, m.IsFile())
	assert.Equal(t, BodyDeleted, m.Body.Kind())
	assert.Empty(t, m.Reactions)
	assert.Equal(t, at, m.UpdatedAt)

	_, had = m.Tombstone(at)
	assert.False(t, had)
}

func TestMessageJSON(t *testing.T) {
	cases := map[string]Body{
		"text":       TextBody{Content: "hi"},
		"attachment": AttachmentBody{Attachment: Attachment{Locator: "l", Kind: KindDocument, Filename: "a.pdf", Size: 3}, Caption: "cap"},
		"deleted":    Tombstone{},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			in := Message{ID: 9, ConversationID: 3, Sender: "u", Body: body}
			b, err := json.Marshal(in)
			require.NoError(t, err)

			var raw map[string]any
			require.NoError(t, json.Unmarshal(b, &raw))
			assert.Equal(t, name, raw["body"].(map[string]any)["kind"])
			assert.Equal(t, name == "attachment", raw["isFile"])
			assert.Equal(t, "9", raw["id"])
			assert.NotNil(t, raw["reactions"])

			var out Message
			require.NoError(t, json.Unmarshal(b, &out))
			assert.Equal(t, body, out.Body)
			assert.Equal(t, in.ID, out.ID)
		})
	}
}

func TestUnmarshalBodyRejectsUnknown(t *testing.T) {
	_, err := UnmarshalBody([]byte(`{"kind":"video"}`))
	assert.Error(t, err)
	_, err = UnmarshalBody([]byte(`{"kind":"attachment"}`))
	assert.Error(t, err)
}

func TestConversationHelpers(t *testing.T) {
	assert.Equal(t, PairKey("b", "a"), PairKey("a", "b"))
	assert.Equal(t, []string{"a", "b", "c"}, UniqueMembers("a", "", "b", "a", "c", "b"))

	c := &Conversation{Members: []string{"a", "b"}, LatestMessage: &Message{Reactions: []Reaction{{"a", "x"}}}}
	assert.True(t, c.HasMember("a"))
	assert.False(t, c.HasMember("z"))
	assert.Equal(t, "b", c.Peer("a"))

	cp := c.Clone()
	cp.Members[0] = "z"
	cp.LatestMessage.Reactions[0].Emoji = "y"
	assert.Equal(t, "a", c.Members[0])
	assert.Equal(t, "x", c.LatestMessage.Reactions[0].Emoji)
}

func TestErrorEventJSON(t *testing.T) {
	ev := Event{Type: EventError, Error: &ErrorPayload{Code: "rate_limited", Message: "too many frames"}}
	b, err := json.Marshal(ev)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"error","error":{"code":"rate_limited","message":"too many frames"},"at":"0001-01-01T00:00:00Z"}`, string(b))
	assert.False(t, ev.Type.Persistent())
}
