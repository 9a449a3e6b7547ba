package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractComponents(t *testing.T) {
	tests := []struct {
		name         string
		configurable map[string]interface{}
		want         *Components
	}{
		{
			name: "all present",
			configurable: map[string]interface{}{
				"supabase_organization_id": "org-1",
				"user_id":                  "user-1",
				"assistant_id":             "asst-1",
			},
			want: &Components{OrgID: "org-1", UserID: "user-1", AssistantID: "asst-1"},
		},
		{
			name: "org_id alias accepted",
			configurable: map[string]interface{}{
				"org_id":       "org-2",
				"user_id":      "user-1",
				"assistant_id": "asst-1",
			},
			want: &Components{OrgID: "org-2", UserID: "user-1", AssistantID: "asst-1"},
		},
		{
			name: "missing user",
			configurable: map[string]interface{}{
				"supabase_organization_id": "org-1",
				"assistant_id":             "asst-1",
			},
			want: nil,
		},
		{
			name: "non-string org",
			configurable: map[string]interface{}{
				"supabase_organization_id": 42,
				"user_id":                  "user-1",
				"assistant_id":             "asst-1",
			},
			want: nil,
		},
		{name: "nil configurable", configurable: nil, want: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractComponents(tt.configurable))
		})
	}
}

func TestBuild(t *testing.T) {
	tuple, err := Build("org-1", "user-1", "asst-1", CategoryMemories)
	require.NoError(t, err)
	assert.Equal(t, []string{"org-1", "user-1", "asst-1", "memories"}, tuple)
}

func TestBuildTrims(t *testing.T) {
	tuple, err := Build(" org-1 ", "shared", "global", CategoryTokens)
	require.NoError(t, err)
	assert.Equal(t, []string{"org-1", "shared", "global", "tokens"}, tuple)
}

func TestBuildRejectsEmptySegments(t *testing.T) {
	_, err := Build("org-1", "  ", "asst-1", CategoryContext)
	assert.ErrorIs(t, err, ErrInvalidNamespace)

	_, err = Build("", "user", "asst", CategoryContext)
	assert.ErrorIs(t, err, ErrInvalidNamespace)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     interface{}
		want    []string
		wantErr bool
	}{
		{name: "string slice", raw: []string{"prefs", "ui"}, want: []string{"prefs", "ui"}},
		{name: "interface slice", raw: []interface{}{"prefs", "ui"}, want: []string{"prefs", "ui"}},
		{name: "bare string wraps", raw: "prefs", want: []string{"prefs"}},
		{name: "dots never split", raw: "a.b.c", want: []string{"a.b.c"}},
		{name: "json array string", raw: `["a","b"]`, want: []string{"a", "b"}},
		{name: "percent encoded json array", raw: "%5B%22a%22%2C%22b%22%5D", want: []string{"a", "b"}},
		{name: "percent encoded scalar", raw: "my%20space", want: []string{"my space"}},
		{name: "trims segments", raw: []string{" a ", "b"}, want: []string{"a", "b"}},
		{name: "nil", raw: nil, wantErr: true},
		{name: "empty string", raw: "", wantErr: true},
		{name: "empty slice", raw: []string{}, wantErr: true},
		{name: "whitespace segment", raw: []string{"a", "  "}, wantErr: true},
		{name: "non-string element", raw: []interface{}{"a", 7}, wantErr: true},
		{name: "malformed json array", raw: `["a",`, wantErr: true},
		{name: "unsupported type", raw: 12, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidNamespace)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// Normalising an already-normalised namespace must be a no-op, and the body
// and query encodings of the same namespace must normalise identically.
func TestNormalizeIdempotentAndShapeInvariant(t *testing.T) {
	inputs := []interface{}{
		"prefs",
		"a.b",
		`["x","y"]`,
		[]string{"deep", "nested", "ns"},
	}

	for _, raw := range inputs {
		once, err := Normalize(raw)
		require.NoError(t, err)
		twice, err := Normalize(once)
		require.NoError(t, err)
		assert.Equal(t, once, twice)
	}

	fromList, err := Normalize([]string{"a"})
	require.NoError(t, err)
	fromScalar, err := Normalize("a")
	require.NoError(t, err)
	assert.Equal(t, fromList, fromScalar)
}
