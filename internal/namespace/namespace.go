// Package namespace computes the (org, user, assistant, category) tuples that
// scope cross-thread memory, and normalises store namespaces arriving over
// HTTP in their several encodings.
package namespace

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// Memory store categories.
const (
	CategoryTokens      = "tokens"
	CategoryContext     = "context"
	CategoryMemories    = "memories"
	CategoryPreferences = "preferences"
)

// Pseudo-ids accepted in place of real ones.
const (
	// SharedUser scopes a namespace org-wide rather than per-user.
	SharedUser = "shared"
	// GlobalAssistant scopes a namespace across all of a user's assistants.
	GlobalAssistant = "global"
)

// ErrInvalidNamespace is returned for namespaces with empty or
// whitespace-only segments. Handlers map it to 422.
var ErrInvalidNamespace = errors.New("invalid namespace")

// Components are the identity parts read from a run's configurable dict.
type Components struct {
	OrgID       string
	UserID      string
	AssistantID string
}

// ExtractComponents reads the identity components from a configurable dict.
// Returns nil when any component is missing or not a string; callers treat
// that as "no memory scope for this run", not as an error.
func ExtractComponents(configurable map[string]interface{}) *Components {
	org := stringField(configurable, "supabase_organization_id")
	if org == "" {
		org = stringField(configurable, "org_id")
	}
	user := stringField(configurable, "user_id")
	assistant := stringField(configurable, "assistant_id")

	if org == "" || user == "" || assistant == "" {
		return nil
	}
	return &Components{OrgID: org, UserID: user, AssistantID: assistant}
}

func stringField(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

// Build assembles a 4-segment namespace tuple, trimming each segment and
// rejecting empty ones.
func Build(org, user, assistant, category string) ([]string, error) {
	segments := []string{org, user, assistant, category}
	tuple := make([]string, 0, len(segments))
	for _, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: empty segment", ErrInvalidNamespace)
		}
		tuple = append(tuple, trimmed)
	}
	return tuple, nil
}

// Normalize converts any of the accepted namespace encodings into a clean
// segment list:
//
//   - a []string body value is used as-is;
//   - a []interface{} decoded from JSON is coerced segment by segment;
//   - a string is percent-decoded, then JSON-parsed when it looks like a JSON
//     array, otherwise wrapped as a single segment.
//
// Dots are opaque characters: "a.b" is ONE segment, never two. Normalize is
// idempotent and shape-invariant: Normalize(["a"]) == Normalize("a").
func Normalize(raw interface{}) ([]string, error) {
	switch v := raw.(type) {
	case nil:
		return nil, fmt.Errorf("%w: missing namespace", ErrInvalidNamespace)
	case []string:
		return cleanSegments(v)
	case []interface{}:
		segments := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("%w: segment %v is not a string", ErrInvalidNamespace, item)
			}
			segments = append(segments, s)
		}
		return cleanSegments(segments)
	case string:
		return normalizeString(v)
	default:
		return nil, fmt.Errorf("%w: unsupported namespace type %T", ErrInvalidNamespace, raw)
	}
}

func normalizeString(raw string) ([]string, error) {
	decoded, err := url.QueryUnescape(raw)
	if err != nil {
		decoded = raw
	}
	decoded = strings.TrimSpace(decoded)
	if decoded == "" {
		return nil, fmt.Errorf("%w: empty namespace", ErrInvalidNamespace)
	}

	if strings.HasPrefix(decoded, "[") {
		var segments []string
		if err := json.Unmarshal([]byte(decoded), &segments); err != nil {
			return nil, fmt.Errorf("%w: malformed namespace array: %v", ErrInvalidNamespace, err)
		}
		return cleanSegments(segments)
	}

	return cleanSegments([]string{decoded})
}

func cleanSegments(segments []string) ([]string, error) {
	if len(segments) == 0 {
		return nil, fmt.Errorf("%w: empty namespace", ErrInvalidNamespace)
	}
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		trimmed := strings.TrimSpace(seg)
		if trimmed == "" {
			return nil, fmt.Errorf("%w: empty segment", ErrInvalidNamespace)
		}
		out = append(out, trimmed)
	}
	return out, nil
}
