// Package template resolves and applies worktree templates. A
// template is a directory under TEMPLATES_DIR carrying a
// template.yaml manifest; applying one copies its files into a fresh
// worktree checkout, honoring ignore globs.
package template

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	deverrors "github.com/devchain/devchain/internal/errors"
)

// ManifestName is the file each template directory must contain.
const ManifestName = "template.yaml"

// Manifest describes one worktree template.
type Manifest struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description,omitempty"`
	Ignore      []string          `yaml:"ignore,omitempty"`
	Env         map[string]string `yaml:"env,omitempty"`
}

// Template is a resolved template directory.
type Template struct {
	Slug     string
	Dir      string
	Manifest Manifest
}

// Resolver locates templates under a root directory.
type Resolver struct {
	root string
}

// NewResolver creates a Resolver rooted at dir. An empty dir disables
// template resolution entirely.
func NewResolver(dir string) *Resolver {
	return &Resolver{root: dir}
}

// Resolve loads the template for a slug. A missing slug is a
// validation error; templates being disabled is too (the caller asked
// for one).
func (r *Resolver) Resolve(slug string) (*Template, error) {
	if slug == "" {
		return nil, deverrors.New(deverrors.CodeInvalidOptions, "template slug is empty")
	}
	if r.root == "" {
		return nil, deverrors.Newf(deverrors.CodeInvalidOptions,
			"template %q requested but no templates directory is configured", slug)
	}
	if strings.ContainsAny(slug, `/\`) || strings.Contains(slug, "..") {
		return nil, deverrors.Newf(deverrors.CodeInvalidOptions, "invalid template slug %q", slug)
	}

	dir := filepath.Join(r.root, slug)
	data, err := os.ReadFile(filepath.Join(dir, ManifestName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, deverrors.Newf(deverrors.CodeInvalidOptions, "template %q not found", slug)
		}
		return nil, fmt.Errorf("read template manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, deverrors.Wrap(deverrors.CodeInvalidOptions,
			fmt.Sprintf("template %q has an invalid manifest", slug), err)
	}
	if m.Name == "" {
		m.Name = slug
	}
	return &Template{Slug: slug, Dir: dir, Manifest: m}, nil
}

// List returns every valid template under the root.
func (r *Resolver) List() ([]*Template, error) {
	if r.root == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read templates dir: %w", err)
	}

	var out []*Template
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		tpl, err := r.Resolve(e.Name())
		if err != nil {
			// Directories without a manifest are not templates.
			continue
		}
		out = append(out, tpl)
	}
	return out, nil
}

// Apply copies the template's files into dest. The manifest itself is
// never copied; ignore patterns are doublestar globs matched against
// slash-separated paths relative to the template dir.
func (t *Template) Apply(dest string) error {
	return filepath.WalkDir(t.Dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(t.Dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		relSlash := filepath.ToSlash(rel)
		if relSlash == ManifestName {
			return nil
		}
		for _, pattern := range t.Manifest.Ignore {
			match, err := doublestar.Match(pattern, relSlash)
			if err != nil {
				return deverrors.Wrap(deverrors.CodeInvalidOptions,
					fmt.Sprintf("template %q has an invalid ignore pattern %q", t.Slug, pattern), err)
			}
			if match {
				if d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
		}

		if d.IsDir() {
			// Directories materialize when a contained file is copied,
			// so an all-ignored directory leaves nothing behind.
			return nil
		}
		return copyFile(path, filepath.Join(dest, rel))
	})
}

func copyFile(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
