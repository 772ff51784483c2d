package engine

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/skiffbrowser/frameview/api/schemas"
	"github.com/skiffbrowser/frameview/internal/dispatch"
	"github.com/skiffbrowser/frameview/internal/model"
)

// maxFindElementAttempts bounds how many times the engine re-prompts an LLM
// for a structured FindElementResult before treating the call as fatal, per
// §7's "LLM returns no structured output after 3 attempts" case.
const maxFindElementAttempts = 3

// findElementSchema describes the structured output an invokeStructured call
// must validate against: the same shape as schemas.FindElementResult.
var findElementSchema = map[string]interface{}{
	"type": "object",
	"properties": map[string]interface{}{
		"elementId":   map[string]interface{}{"type": "string"},
		"description": map[string]interface{}{"type": "string"},
		"confidence":  map[string]interface{}{"type": "number", "minimum": 0, "maximum": 1},
		"method":      map[string]interface{}{"type": "string"},
		"arguments":   map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
	},
	"required": []string{"elementId", "method"},
}

// FindElement implements findElement(instruction, snapshot, llm) → {encodedId,
// method, arguments, confidence} | not-found. It prompts llm with the
// snapshot's formatted tree and the caller's instruction, validates the
// parsed result's encodedId and method against the live snapshot and the
// closed action catalog, and retries on a malformed or unvalidatable
// response up to maxFindElementAttempts times before failing fatally.
func (e *Engine) FindElement(ctx context.Context, instruction string, snap *model.Snapshot, llm schemas.StructuredInvoker) (*schemas.FindElementResult, error) {
	if snap == nil {
		return nil, model.NewEngineError(model.KindStructural, "", "", fmt.Errorf("%w: nil snapshot", model.ErrMalformedRequest))
	}

	messages := []schemas.Message{
		{Role: "system", Content: "You locate a single element on a web page from its formatted accessibility tree and report how to interact with it."},
		{Role: "user", Content: buildFindElementPrompt(instruction, snap.DOMState)},
	}

	var lastErr error
	for attempt := 1; attempt <= maxFindElementAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, model.NewEngineError(model.KindFatal, "", "", ctx.Err())
		}

		var parsed schemas.FindElementResult
		raw, ok, err := llm.InvokeStructured(ctx, findElementSchema, messages, &parsed)
		if err != nil {
			lastErr = err
			e.logger.Warn("findElement: invokeStructured failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		if !ok {
			lastErr = fmt.Errorf("llm response did not validate against the find-element schema: %s", truncate(raw, 200))
			e.logger.Warn("findElement: structured output did not validate", zap.Int("attempt", attempt))
			continue
		}

		if strings.EqualFold(strings.TrimSpace(parsed.ElementID), "not-found") || parsed.ElementID == "" {
			return nil, nil
		}

		id, err := model.ParseEncodedID(parsed.ElementID)
		if err != nil {
			lastErr = fmt.Errorf("llm returned an unparsable encodedId %q: %w", parsed.ElementID, err)
			e.logger.Warn("findElement: unparsable encodedId, retrying", zap.Int("attempt", attempt), zap.Error(lastErr))
			continue
		}
		if _, ok := snap.Elements[id]; !ok {
			lastErr = fmt.Errorf("llm returned encodedId %s not present in the observed snapshot", parsed.ElementID)
			e.logger.Warn("findElement: encodedId absent from snapshot, retrying", zap.Int("attempt", attempt), zap.Error(lastErr))
			continue
		}
		if !dispatch.IsValidMethod(dispatch.Method(parsed.Method)) {
			lastErr = fmt.Errorf("llm returned method %q outside the action catalog", parsed.Method)
			e.logger.Warn("findElement: invalid method, retrying", zap.Int("attempt", attempt), zap.Error(lastErr))
			continue
		}

		return &parsed, nil
	}

	return nil, model.NewEngineError(model.KindFatal, "", "", fmt.Errorf("no valid structured output after %d attempts: %w", maxFindElementAttempts, lastErr))
}

func buildFindElementPrompt(instruction, tree string) string {
	return fmt.Sprintf("Instruction: %s\n\nPage:\n%s\n\nRespond with the encodedId of the single best-matching element, the action method to perform on it, and any arguments it needs. If no element matches, respond with elementId \"not-found\".", instruction, tree)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
