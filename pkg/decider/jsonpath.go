package decider

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// translatePath converts a JSONPath-style expression such as $.a.b[0] or a['b c'] into a gjson
// path. The empty path and "$" select the whole document.
func translatePath(path string) (string, error) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "$")

	segments := make([]string, 0)

	for i := 0; i < len(path); {
		switch path[i] {
		case '.':
			i++
		case '[':
			end := strings.IndexByte(path[i:], ']')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated bracket in %q", ErrUnsupportedPath, path)
			}

			inner := strings.TrimSpace(path[i+1 : i+end])
			i += end + 1

			if len(inner) >= 2 && (inner[0] == '\'' || inner[0] == '"') && inner[len(inner)-1] == inner[0] {
				segments = append(segments, escapeKey(inner[1:len(inner)-1]))

				continue
			}

			if inner == "" || strings.Trim(inner, "0123456789") != "" {
				return "", fmt.Errorf("%w: %q", ErrUnsupportedPath, "["+inner+"]")
			}

			segments = append(segments, inner)
		default:
			end := strings.IndexAny(path[i:], ".[")
			if end < 0 {
				end = len(path) - i
			}

			key := path[i : i+end]
			if key == "*" {
				return "", fmt.Errorf("%w: wildcard in %q", ErrUnsupportedPath, path)
			}

			segments = append(segments, escapeKey(key))
			i += end
		}
	}

	return strings.Join(segments, "."), nil
}

func escapeKey(key string) string {
	var b strings.Builder

	for _, r := range key {
		if strings.ContainsRune(`.*?|#@\!=<>%`, r) {
			b.WriteByte('\\')
		}

		b.WriteRune(r)
	}

	return b.String()
}

// selectPath returns the value at path inside document and whether it exists.
func selectPath(document json.RawMessage, path string) (json.RawMessage, bool, error) {
	translated, err := translatePath(path)
	if err != nil {
		return nil, false, err
	}

	if translated == "" {
		if len(document) == 0 {
			return nil, false, nil
		}

		return document, true, nil
	}

	result := gjson.GetBytes(document, translated)
	if !result.Exists() {
		return nil, false, nil
	}

	return json.RawMessage(result.Raw), true, nil
}

// isNull reports whether value is absent or an explicit JSON null.
func isNull(value json.RawMessage) bool {
	trimmed := strings.TrimSpace(string(value))

	return trimmed == "" || trimmed == "null"
}
