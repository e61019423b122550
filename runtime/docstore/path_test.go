package docstore

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"
)

func decodeDoc(t *testing.T, raw []byte) map[string]any {
	t.Helper()
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

func TestParsePath(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want Path
	}{
		{"root", "$", Path{}},
		{"single dotted", "$.status", Path{"status"}},
		{"nested dotted", "$.lease.token", Path{"lease", "token"}},
		{"bracket double quotes", `$["a"]["b"]`, Path{"a", "b"}},
		{"bracket single quotes", `$['a']['b c']`, Path{"a", "b c"}},
		{"mixed forms", `$.meta["created at"].ts`, Path{"meta", "created at", "ts"}},
		{"escaped quote", `$["sa\"y"]`, Path{`sa"y`}},
		{"escaped backslash", `$["a\\b"]`, Path{`a\b`}},
		{"numeric object key", "$.0", Path{"0"}},
		{"empty quoted key", `$[""]`, Path{""}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParsePath(tc.in)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestParsePathRejects(t *testing.T) {
	cases := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"no root", "a.b"},
		{"array index", "$.a[0]"},
		{"negative index", "$[-1]"},
		{"root index", "$[0]"},
		{"empty dotted key", "$..a"},
		{"trailing dot", "$.a."},
		{"unterminated bracket", `$["a"`},
		{"unterminated quote", `$["a]`},
		{"bare bracket key", "$[a]"},
		{"stray bracket in key", "$.a]b"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParsePath(tc.in)
			require.ErrorIs(t, err, ErrBadPath)
		})
	}
}

func TestPathRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	key := gen.OneGenOf(
		gen.Identifier(),
		gen.AlphaString(),
		gen.RegexMatch(`[a-z "'\\.\[\]]{1,8}`),
	)

	properties.Property("ParsePath inverts String", prop.ForAll(
		func(keys []string) bool {
			p := Path(keys)
			got, err := ParsePath(p.String())
			if err != nil {
				return false
			}
			if len(got) != len(p) {
				return false
			}
			for i := range got {
				if got[i] != p[i] {
					return false
				}
			}
			return true
		},
		gen.SliceOf(key),
	))

	properties.TestingRun(t)
}

func TestPathGetSetDelete(t *testing.T) {
	doc := map[string]any{
		"status": "pending",
		"lease": map[string]any{
			"token": "t-1",
			"ts":    "2026-01-01T00:00:00Z",
		},
	}

	v, ok := Path{"lease", "token"}.Get(doc)
	require.True(t, ok)
	require.Equal(t, "t-1", v)

	v, ok = Path{}.Get(doc)
	require.True(t, ok)
	require.Equal(t, doc, v)

	_, ok = Path{"lease", "owner"}.Get(doc)
	require.False(t, ok)

	_, ok = Path{"status", "nested"}.Get(doc)
	require.False(t, ok)

	require.NoError(t, Path{"lease", "owner"}.Set(doc, "agent-1"))
	v, ok = Path{"lease", "owner"}.Get(doc)
	require.True(t, ok)
	require.Equal(t, "agent-1", v)

	// Intermediate objects are created on demand.
	require.NoError(t, Path{"model_selection", "selected_tier"}.Set(doc, 2))
	v, ok = Path{"model_selection", "selected_tier"}.Get(doc)
	require.True(t, ok)
	require.Equal(t, 2, v)

	// Writing through a scalar fails.
	err := Path{"status", "sub"}.Set(doc, 1)
	require.ErrorIs(t, err, ErrBadPath)

	require.True(t, Path{"lease", "token"}.Delete(doc))
	require.False(t, Path{"lease", "token"}.Delete(doc))
	_, ok = Path{"lease", "token"}.Get(doc)
	require.False(t, ok)

	require.False(t, Path{}.Delete(doc))
}

func TestApplyPatch(t *testing.T) {
	doc := []byte(`{"status":"pending","attempts":0,"lease":{"token":"t-1"}}`)

	out, err := ApplyPatch(doc, []PatchOp{
		{Path: Path{"status"}, Value: []byte(`"running"`)},
		{Path: Path{"started_at"}, Value: []byte(`"2026-01-02T03:04:05Z"`)},
		{Path: Path{"lease", "token"}, Delete: true},
	})
	require.NoError(t, err)

	got := decodeDoc(t, out)
	require.Equal(t, "running", got["status"])
	require.Equal(t, "2026-01-02T03:04:05Z", got["started_at"])
	lease, ok := got["lease"].(map[string]any)
	require.True(t, ok)
	require.NotContains(t, lease, "token")

	_, err = ApplyPatch([]byte(`[1,2]`), nil)
	require.Error(t, err)

	_, err = ApplyPatch(doc, []PatchOp{{Path: Path{"x"}, Value: []byte(`{broken`)}})
	require.Error(t, err)
}
