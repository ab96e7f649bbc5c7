package integration

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatautomation/internal/config"
	"chatautomation/internal/transport"
)

func TestScenario_DeletedMessageRecovered(t *testing.T) {
	env := setupTest(t, nil)

	t.Log("GIVEN: an inbound message cached by the antidelete feature")
	env.Gateway.SendMessage("family-chat", "m1", "alice", "the secret plan")
	require.Eventually(t, func() bool {
		_, ok := env.Cache.Get("m1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	t.Log("WHEN: the sender deletes the message")
	env.Gateway.SendDeletion("family-chat", "m1", "alice")

	t.Log("THEN: the original content is republished to the conversation")
	require.Eventually(t, func() bool {
		return len(env.Gateway.SentFrames()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	frames := env.Gateway.SentFrames()
	frame := frames[len(frames)-1]
	assert.Equal(t, transport.TypeSend, frame.Type)
	assert.Equal(t, "family-chat", frame.Conversation)
	assert.Equal(t, "alice deleted a message from alice: the secret plan", frame.Text)

	entry, ok := env.Cache.Get("m1")
	require.True(t, ok)
	assert.True(t, entry.Deleted)
}

func TestScenario_RecoverCommandListsDeleted(t *testing.T) {
	env := setupTest(t, &config.Manifest{
		Features: map[string]config.ManifestEntry{
			"antidelete": {Settings: map[string]any{"announce": false}},
		},
	})

	t.Log("GIVEN: two cached messages, one of them deleted")
	env.Gateway.SendMessage("family-chat", "m1", "alice", "one")
	env.Gateway.SendMessage("family-chat", "m2", "bob", "two")
	require.Eventually(t, func() bool {
		_, ok := env.Cache.Get("m2")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	env.Gateway.SendDeletion("family-chat", "m1", "alice")
	require.Eventually(t, func() bool {
		entry, ok := env.Cache.Get("m1")
		return ok && entry.Deleted
	}, 2*time.Second, 10*time.Millisecond)

	// Announcements are off, so nothing has been sent yet.
	require.Empty(t, env.Gateway.SentFrames())

	t.Log("WHEN: a user runs the recover command")
	env.Gateway.SendMessage("family-chat", "c1", "charlie", "!recover")

	t.Log("THEN: the reply lists the deleted message only")
	require.Eventually(t, func() bool {
		return len(env.Gateway.SentFrames()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	reply := env.Gateway.SentFrames()[0]
	assert.Equal(t, "family-chat", reply.Conversation)
	assert.Contains(t, reply.Text, "Recently deleted:")
	assert.Contains(t, reply.Text, "alice: one")
	assert.NotContains(t, reply.Text, "bob: two")
}
