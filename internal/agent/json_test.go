package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brood/internal/llm"
	"brood/internal/tools"
)

type recommendation struct {
	Languages []string `json:"detectedLanguages"`
	Agents    []string `json:"suggestedAgentTypes"`
}

func TestDecodeJSONReplyPlain(t *testing.T) {
	var rec recommendation
	err := DecodeJSONReply(`{"detectedLanguages":["go"],"suggestedAgentTypes":["backend"]}`, &rec)
	require.NoError(t, err)
	assert.Equal(t, []string{"go"}, rec.Languages)
}

func TestDecodeJSONReplyFencedWithProse(t *testing.T) {
	var rec recommendation
	reply := "Here is my analysis:\n```json\n{\"detectedLanguages\": [\"typescript\"], \"suggestedAgentTypes\": [\"frontend\"]}\n```\nLet me know."
	require.NoError(t, DecodeJSONReply(reply, &rec))
	assert.Equal(t, []string{"typescript"}, rec.Languages)
}

func TestDecodeJSONReplyRepairsTrailingComma(t *testing.T) {
	var rec recommendation
	reply := `{"detectedLanguages": ["go",], "suggestedAgentTypes": ["backend",],}`
	require.NoError(t, DecodeJSONReply(reply, &rec))
	assert.Equal(t, []string{"backend"}, rec.Agents)
}

func TestDecodeJSONReplyNoJSON(t *testing.T) {
	var rec recommendation
	require.Error(t, DecodeJSONReply("I could not produce a recommendation.", &rec))
}

func TestRunJSONRegeneratesOnce(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.Response{
		textResponse("definitely not json"),
		textResponse(`{"detectedLanguages":["rust"],"suggestedAgentTypes":["backend"]}`),
	}}
	loop := New(gw, tools.NewRegistry(), Config{})

	var rec recommendation
	res := loop.RunJSON(context.Background(), "", "analyze", &rec)
	require.Equal(t, OutcomeEndTurn, res.Outcome)
	assert.False(t, res.Failed)
	assert.Equal(t, []string{"rust"}, rec.Languages)

	// The second provider call carries a correction user message.
	require.Len(t, gw.requests, 2)
	last := gw.requests[1][len(gw.requests[1])-1]
	assert.Equal(t, "user", last.Role)
	assert.Contains(t, last.Content[0].Text, "not valid JSON")
}

func TestRunJSONFailsAfterSecondMalformedReply(t *testing.T) {
	gw := &scriptedGateway{responses: []*llm.Response{
		textResponse("nope"),
		textResponse("still nope"),
	}}
	loop := New(gw, tools.NewRegistry(), Config{})

	var rec recommendation
	res := loop.RunJSON(context.Background(), "", "analyze", &rec)
	assert.Equal(t, OutcomeError, res.Outcome)
	assert.True(t, res.Failed)
	assert.Contains(t, res.ErrorText, "malformed JSON twice")
}
