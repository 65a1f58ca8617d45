package brain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractProseOnly(t *testing.T) {
	ex := Extract("I am thinking about the rain. Nothing to do right now.")
	assert.Nil(t, ex.Action)
	assert.Equal(t, "I am thinking about the rain. Nothing to do right now.", ex.Thought)
}

func TestExtractBareObject(t *testing.T) {
	ex := Extract(`{"action": "check_votes"}`)
	require.NotNil(t, ex.Action)
	assert.Equal(t, "check_votes", ex.Action["action"])
	assert.Empty(t, ex.Thought)
}

func TestExtractObjectInsideProse(t *testing.T) {
	text := `The votes worry me. {"action": "check_votes"} I need to know where I stand.`
	ex := Extract(text)
	require.NotNil(t, ex.Action)
	assert.Equal(t, "check_votes", ex.Action["action"])
	assert.Contains(t, ex.Thought, "The votes worry me.")
	assert.Contains(t, ex.Thought, "I need to know where I stand.")
	assert.NotContains(t, ex.Thought, "check_votes")
}

func TestExtractFencedBlock(t *testing.T) {
	text := "Time to write.\n```json\n{\"action\": \"write_blog_post\", \"title\": \"Day One\", \"body\": \"hello\"}\n```\nDone."
	ex := Extract(text)
	require.NotNil(t, ex.Action)
	assert.Equal(t, "write_blog_post", ex.Action["action"])
	assert.Equal(t, "Day One", ex.Action["title"])
	assert.Contains(t, ex.Thought, "Time to write.")
	assert.NotContains(t, ex.Thought, "```")
}

func TestExtractNestedBracesInStrings(t *testing.T) {
	text := `{"action": "post_channel", "message": "JSON looks like {\"key\": 1} to me"}`
	ex := Extract(text)
	require.NotNil(t, ex.Action)
	assert.Equal(t, "post_channel", ex.Action["action"])
	assert.Equal(t, `JSON looks like {"key": 1} to me`, ex.Action["message"])
}

func TestExtractSkipsObjectsWithoutAction(t *testing.T) {
	text := `Config is {"debug": true} but I will act: {"action": "no_op"}`
	ex := Extract(text)
	require.NotNil(t, ex.Action)
	assert.Equal(t, "no_op", ex.Action["action"])
	assert.Contains(t, ex.Thought, `{"debug": true}`)
}

func TestExtractIgnoresMalformedJSON(t *testing.T) {
	ex := Extract(`{"action": "broken`)
	assert.Nil(t, ex.Action)
	assert.Equal(t, `{"action": "broken`, ex.Thought)
}

func TestExtractEmptyActionName(t *testing.T) {
	ex := Extract(`{"action": ""}`)
	assert.Nil(t, ex.Action)
}
