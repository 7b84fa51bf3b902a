package fusion

import (
	"math"
	"testing"

	"github.com/dshills/codefuse/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRerank(t *testing.T) {
	e := newTestEngine(t)

	in := []types.FusedResult{
		{FilePath: "internal/auth/login_test.go", Location: 0, MatchType: types.MatchStatistical, Score: 0.9, Content: "func TestLogin(t *testing.T) {}"},
		{FilePath: "internal/auth/login.go", Location: 0, MatchType: types.MatchStatistical, Score: 0.5, Content: "func Login(user string) error {\n\treturn nil\n}"},
		{FilePath: "docs/notes.md", Location: 2, MatchType: types.MatchSemantic, Score: 0.7, Content: "login login login"},
		{FilePath: "x.go", Location: 3, MatchType: types.MatchExact, Score: 1.0, Content: "unrelated"},
	}
	original := append([]types.FusedResult(nil), in...)

	out, err := e.Rerank(in, "login")
	require.NoError(t, err)
	require.Len(t, out, 4)
	assert.Equal(t, original, in, "input must not be modified")

	byPath := make(map[string]types.FusedResult)
	for _, r := range out {
		byPath[r.FilePath] = r
	}

	assert.Greater(t, byPath["internal/auth/login.go"].Score, byPath["internal/auth/login_test.go"].Score)
	assert.LessOrEqual(t, byPath["docs/notes.md"].Score, 1.5)
	assert.GreaterOrEqual(t, byPath["x.go"].Score, 1.6)

	for i := 1; i < len(out); i++ {
		assert.GreaterOrEqual(t, out[i-1].Score, out[i].Score)
	}
}

func TestRerankRejectsNaN(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Rerank([]types.FusedResult{{FilePath: "bad.go", Score: math.NaN()}}, "q")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrCorruptedData)
	assert.Contains(t, err.Error(), "bad.go")
}

func TestRerankIdentifierUse(t *testing.T) {
	e := newTestEngine(t)

	out, err := e.Rerank([]types.FusedResult{
		{FilePath: "pkg/a.go", Location: 0, MatchType: types.MatchStatistical, Score: 0.5, Content: "v := lookup(key)"},
		{FilePath: "pkg/b.go", Location: 0, MatchType: types.MatchStatistical, Score: 0.5, Content: "see lookup."},
		{FilePath: "pkg/c.go", Location: 0, MatchType: types.MatchStatistical, Score: 0.5, Content: "cache_lookup = nil"},
	}, "lookup")
	require.NoError(t, err)
	require.Len(t, out, 3)

	scores := make(map[string]float64)
	for _, r := range out {
		scores[r.FilePath] = r.Score
	}
	assert.InDelta(t, 1.5, scores["pkg/a.go"]/scores["pkg/b.go"], 1e-9)
	assert.InDelta(t, 1.5, scores["pkg/c.go"]/scores["pkg/b.go"], 1e-9)
}

func TestIsTestFile(t *testing.T) {
	tests := map[string]bool{
		"internal/auth/login_test.go": true,
		"tests/integration.rs":        true,
		"src/test/Foo.java":           true,
		"web/app.spec.ts":             true,
		"test_utils.py":               true,
		"internal/auth/login.go":      false,
		"src/contest.rs":              false,
		"latest/main.go":              false,
	}
	for p, want := range tests {
		assert.Equal(t, want, IsTestFile(p), p)
	}
}
