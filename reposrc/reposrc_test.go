package reposrc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveClassification(t *testing.T) {
	cases := []struct {
		input string
		kind  Kind
	}{
		{"https://github.com/foo/bar", KindHTTPS},
		{"http://example.com/foo/bar.git", KindHTTPS},
		{"git@github.com:foo/bar.git", KindSSH},
		{"ssh://git@example.com/foo/bar", KindSSH},
		{"/home/user/repo", KindLocalPath},
		{"~/repo", KindLocalPath},
		{"foo/bar", KindGithubShorthand},
		{"gitlab.com/foo/bar", KindHTTPS},
		{"just-a-name", KindLocalPath},
	}

	for _, c := range cases {
		src, err := Resolve(c.input)
		require.NoError(t, err, c.input)
		assert.Equal(t, c.kind, src.Kind, c.input)
	}
}

func TestResolveRejectsEmpty(t *testing.T) {
	_, err := Resolve("   ")
	require.ErrorIs(t, err, ErrInvalidURL)
}

func TestGithubShorthandTrimsDotGit(t *testing.T) {
	src, err := Resolve("foo/bar.git")
	require.NoError(t, err)
	assert.Equal(t, "foo", src.Owner)
	assert.Equal(t, "bar", src.Repo)
}

func TestCloneURLRoundTrip(t *testing.T) {
	cases := []string{
		"https://github.com/foo/bar",
		"foo/bar",
		"git@github.com:foo/bar.git",
	}
	for _, c := range cases {
		src, err := Resolve(c)
		require.NoError(t, err)
		url := src.CloneURL()

		reResolved, err := Resolve(url)
		require.NoError(t, err)

		id1, err1 := src.Identity()
		id2, err2 := reResolved.Identity()
		require.NoError(t, err1)
		require.NoError(t, err2)
		assert.Equal(t, id1, id2, "round trip for %s", c)
	}
}

func TestIdentityExtraction(t *testing.T) {
	src, err := Resolve("https://github.com/foo/bar.git")
	require.NoError(t, err)
	id, err := src.Identity()
	require.NoError(t, err)
	assert.Equal(t, Identity{Host: "github.com", Owner: "foo", Repo: "bar"}, id)
}

func TestLocalPathHasNoIdentity(t *testing.T) {
	src, err := Resolve("/tmp/demo")
	require.NoError(t, err)
	_, err = src.Identity()
	require.ErrorIs(t, err, ErrInvalidURL)
}
