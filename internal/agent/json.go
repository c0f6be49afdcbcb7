package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"brood/internal/jsonx"
	"brood/internal/llm"
)

// RunJSON runs the loop and decodes the final assistant text into out. A
// malformed reply gets exactly one regeneration round: the decode error is
// fed back as a correction message and the conversation continues. A second
// malformed reply is treated as a provider error.
func (l *Loop) RunJSON(ctx context.Context, systemPrompt, userMessage string, out any) *Result {
	res := l.Run(ctx, systemPrompt, userMessage)
	if res.Failed {
		return res
	}

	if err := DecodeJSONReply(res.FinalText, out); err == nil {
		return res
	} else {
		correction := fmt.Sprintf(
			"Your previous reply was not valid JSON (%v). Respond again with only the JSON document, no surrounding prose.", err)
		res.Messages = append(res.Messages, llm.TextMessage("user", correction))
	}

	retry := l.RunMessages(ctx, systemPrompt, res.Messages)
	if retry.Failed {
		return retry
	}
	if err := DecodeJSONReply(retry.FinalText, out); err != nil {
		retry.Outcome = OutcomeError
		retry.Failed = true
		retry.ErrorText = fmt.Sprintf("provider returned malformed JSON twice: %v", err)
	}
	return retry
}

// DecodeJSONReply extracts a JSON document from assistant prose and decodes
// it into out, repairing common model damage (trailing commas, code fences,
// single quotes) first.
func DecodeJSONReply(text string, out any) error {
	candidate := extractJSONCandidate(text)
	if candidate == "" {
		return fmt.Errorf("no JSON object found in reply")
	}

	if err := jsonx.Unmarshal([]byte(candidate), out); err == nil {
		return nil
	}

	repaired, err := jsonrepair.JSONRepair(candidate)
	if err != nil {
		return fmt.Errorf("repair JSON: %w", err)
	}
	if err := jsonx.Unmarshal([]byte(repaired), out); err != nil {
		return fmt.Errorf("decode repaired JSON: %w", err)
	}
	return nil
}

// extractJSONCandidate strips code fences and surrounding prose, returning
// the outermost {...} or [...] span.
func extractJSONCandidate(text string) string {
	trimmed := strings.TrimSpace(text)

	if idx := strings.Index(trimmed, "```"); idx >= 0 {
		rest := trimmed[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			trimmed = strings.TrimSpace(rest[:end])
		}
	}

	start := strings.IndexAny(trimmed, "{[")
	if start < 0 {
		return ""
	}
	open := trimmed[start]
	closer := byte('}')
	if open == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(trimmed, closer)
	if end <= start {
		// Truncated document; hand it to the repairer as-is.
		return trimmed[start:]
	}
	return trimmed[start : end+1]
}
