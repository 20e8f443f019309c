package llmutil

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Models asked for bare JSON still wrap it in markdown fences or chat filler
// often enough that parsing has to tolerate both.

var (
	// Raw strings cannot hold backticks, hence \x60.
	jsonObjectRegex = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*({.*})\\s*\x60\x60\x60")
	jsonArrayRegex  = regexp.MustCompile("(?s)\x60\x60\x60(?:json)?\\s*(\\[.*\\])\\s*\x60\x60\x60")
)

// ParseJSONResponse extracts and unmarshals the JSON payload of a model
// response, stripping markdown fences and surrounding prose when present.
func ParseJSONResponse[T any](response string) (*T, error) {
	response = strings.TrimSpace(response)
	payload := response

	hasObject := strings.Contains(response, "{")
	hasArray := strings.Contains(response, "[")

	if strings.HasPrefix(response, "```") {
		var matches []string
		if hasObject {
			matches = jsonObjectRegex.FindStringSubmatch(response)
		}
		if len(matches) <= 1 && hasArray {
			matches = jsonArrayRegex.FindStringSubmatch(response)
		}
		if len(matches) > 1 {
			payload = matches[1]
		}
	} else if (hasObject || hasArray) && !strings.HasPrefix(response, "{") && !strings.HasPrefix(response, "[") {
		// Conversational text around the structure: cut from the first
		// opening bracket to the last closing one.
		start, end := -1, -1
		if hasObject {
			fb := strings.Index(response, "{")
			lb := strings.LastIndex(response, "}")
			if fb != -1 && lb > fb {
				start, end = fb, lb+1
			}
		}
		if start == -1 && hasArray {
			fb := strings.Index(response, "[")
			lb := strings.LastIndex(response, "]")
			if fb != -1 && lb > fb {
				start, end = fb, lb+1
			}
		}
		if start != -1 {
			payload = response[start:end]
		}
	}

	var result T
	if err := json.Unmarshal([]byte(payload), &result); err != nil {
		return nil, fmt.Errorf("unmarshal model response: %w (extracted: %s)", err, truncate(payload, 500))
	}
	return &result, nil
}

func truncate(s string, maxLen int) string {
	if maxLen <= 0 {
		return ""
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
