// File: internal/llmclient/parser.go
package llmclient

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/relayforge/agentbus/internal/protocol"
)

// Models wrap structured answers in markdown fences more often than not,
// and sometimes pad them with conversational text. The extraction below
// peels both layers before decoding.
//
// \x60 is a backtick; Go raw strings cannot contain them.
var fencedBlockRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(.*?)\\s*\x60\x60\x60")

// ParseJSON decodes a model response into T, tolerating markdown fences and
// surrounding prose.
func ParseJSON[T any](response string) (*T, error) {
	raw := ExtractJSON(response)
	if raw == "" {
		return nil, fmt.Errorf("no JSON structure found in model response")
	}

	var out T
	if err := protocol.JSON.UnmarshalFromString(raw, &out); err != nil {
		return nil, fmt.Errorf("decode model response: %w", err)
	}
	return &out, nil
}

// ExtractJSON returns the first JSON object or array embedded in a model
// response, or "" when none is present.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)

	if m := fencedBlockRegex.FindStringSubmatch(response); len(m) > 1 {
		response = strings.TrimSpace(m[1])
	}

	start := strings.IndexAny(response, "{[")
	if start < 0 {
		return ""
	}
	var end int
	if response[start] == '{' {
		end = strings.LastIndexByte(response, '}')
	} else {
		end = strings.LastIndexByte(response, ']')
	}
	if end <= start {
		return ""
	}
	return response[start : end+1]
}
