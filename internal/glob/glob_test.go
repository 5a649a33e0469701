package glob

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	cases := []struct {
		pattern string
		path    string
		want    bool
	}{
		{"*.md", "a.md", true},
		{"*.md", "notes/a.md", true},
		{"*.md", "notes/a.txt", false},
		{".git/**", ".git/objects/ab", true},
		{".git/**", "notes/.git/config", false},
		{"**/drafts/*.md", "drafts/a.md", true},
		{"**/drafts/*.md", "x/y/drafts/a.md", true},
		{"**/drafts/*.md", "drafts/sub/a.md", false},
		{"notes/?.md", "notes/a.md", true},
		{"notes/?.md", "notes/ab.md", false},
		{"[!a]*.md", "b.md", true},
		{"[!a]*.md", "a.md", false},
		{"projects/**", "projects/alpha/plan.md", true},
	}
	for _, tc := range cases {
		t.Run(tc.pattern+" "+tc.path, func(t *testing.T) {
			g, err := Compile(tc.pattern)
			require.NoError(t, err)
			assert.Equal(t, tc.want, g.Match(tc.path))
		})
	}
}

func TestCompileErrors(t *testing.T) {
	for _, p := range []string{"", "  ", "notes/[abc"} {
		_, err := Compile(p)
		assert.Error(t, err, "pattern %q", p)
	}

	_, err := CompileSet([]string{"*.md", "[bad"})
	assert.Error(t, err)
}

func TestSetAndNil(t *testing.T) {
	set, err := CompileSet([]string{".git/**", ".obsidian/**"})
	require.NoError(t, err)
	assert.True(t, set.Match(".obsidian/workspace.json"))
	assert.False(t, set.Match("notes/a.md"))
	assert.False(t, Set(nil).Match("anything"))

	var g *Pattern
	assert.False(t, g.Match("a.md"))
	assert.Equal(t, "*.md", MustCompile("*.md").String())
}
