package template

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func setupTemplate(t *testing.T, slug, manifest string) string {
	t.Helper()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, slug, ManifestName), manifest)
	return root
}

func TestResolve(t *testing.T) {
	root := setupTemplate(t, "node-api", "name: Node API\nignore:\n  - node_modules/**\n")
	r := NewResolver(root)

	tpl, err := r.Resolve("node-api")
	require.NoError(t, err)
	assert.Equal(t, "Node API", tpl.Manifest.Name)
	assert.Equal(t, []string{"node_modules/**"}, tpl.Manifest.Ignore)
}

func TestResolveMissingSlug(t *testing.T) {
	r := NewResolver(t.TempDir())
	_, err := r.Resolve("ghost")
	require.Error(t, err)
}

func TestResolveRejectsTraversal(t *testing.T) {
	r := NewResolver(t.TempDir())
	for _, slug := range []string{"../etc", "a/b", `a\b`, ""} {
		_, err := r.Resolve(slug)
		require.Error(t, err, slug)
	}
}

func TestResolveWithoutRoot(t *testing.T) {
	r := NewResolver("")
	_, err := r.Resolve("anything")
	require.Error(t, err)
}

func TestListSkipsNonTemplates(t *testing.T) {
	root := setupTemplate(t, "a", "name: A\n")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "not-a-template"), 0755))
	writeFile(t, filepath.Join(root, "stray.txt"), "x")

	r := NewResolver(root)
	templates, err := r.List()
	require.NoError(t, err)
	require.Len(t, templates, 1)
	assert.Equal(t, "a", templates[0].Slug)
}

func TestApplyCopiesAndIgnores(t *testing.T) {
	root := setupTemplate(t, "web", "name: Web\nignore:\n  - node_modules/**\n  - \"*.log\"\n")
	dir := filepath.Join(root, "web")
	writeFile(t, filepath.Join(dir, "package.json"), `{"name":"web"}`)
	writeFile(t, filepath.Join(dir, "src", "index.js"), "console.log(1)")
	writeFile(t, filepath.Join(dir, "node_modules", "dep", "index.js"), "ignored")
	writeFile(t, filepath.Join(dir, "debug.log"), "ignored")

	r := NewResolver(root)
	tpl, err := r.Resolve("web")
	require.NoError(t, err)

	dest := t.TempDir()
	require.NoError(t, tpl.Apply(dest))

	assert.FileExists(t, filepath.Join(dest, "package.json"))
	assert.FileExists(t, filepath.Join(dest, "src", "index.js"))
	assert.NoFileExists(t, filepath.Join(dest, "debug.log"))
	assert.NoFileExists(t, filepath.Join(dest, ManifestName))
	assert.NoDirExists(t, filepath.Join(dest, "node_modules"))
}
