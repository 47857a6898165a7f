package backend

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/aristath/taskloop/internal/scheduler"
)

// ErrNoVerdict is returned when a critique agent finished without
// reporting a verdict.
var ErrNoVerdict = errors.New("agent output contains no verdict")

var fencedJSON = regexp.MustCompile("(?s)```(?:json)?\\s*(\\{.*?\\})\\s*```")

// ExtractVerdict finds the last JSON object in free-form agent output that
// carries a "verdict" key. Fenced blocks win over bare objects.
func ExtractVerdict(output string) (*scheduler.Verdict, error) {
	var candidates []string
	for _, m := range fencedJSON.FindAllStringSubmatch(output, -1) {
		candidates = append(candidates, m[1])
	}
	if len(candidates) == 0 {
		candidates = bareObjects(output)
	}

	for i := len(candidates) - 1; i >= 0; i-- {
		var raw map[string]any
		if err := json.Unmarshal([]byte(candidates[i]), &raw); err != nil {
			continue
		}
		if _, ok := raw["verdict"]; !ok {
			continue
		}
		return scheduler.ParseVerdict(raw)
	}
	return nil, ErrNoVerdict
}

// bareObjects returns the top-level {...} spans of s, ignoring braces
// inside JSON strings.
func bareObjects(s string) []string {
	var out []string
	depth, start := 0, -1
	inString, escaped := false, false
	for i, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		switch r {
		case '"':
			if depth > 0 {
				inString = true
			}
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth == 0 {
				continue
			}
			depth--
			if depth == 0 && start >= 0 {
				out = append(out, s[start:i+1])
				start = -1
			}
		}
	}
	return out
}

// finish builds a Result from agent text, attaching the verdict when the
// assignment expects one.
func finish(a Assignment, output, sessionID string) (Result, error) {
	res := Result{Output: strings.TrimSpace(output), SessionID: sessionID}
	if !a.ExpectsVerdict() {
		return res, nil
	}
	v, err := ExtractVerdict(output)
	if err != nil {
		return res, fmt.Errorf("task %s: %w", a.TaskID, err)
	}
	res.Verdict = v
	return res, nil
}
