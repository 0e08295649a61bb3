// Package expr renders the ${{ ... }} expressions used in workflow files.
//
// Only the forms the shipped workflows need are supported: context lookups
// (matrix.*, env.*, secrets.*, github.*, runner.*), hashFiles('path', ...)
// and the flag-selection ternary `matrix.x == 'lit' && 'a' || 'b'`.
package expr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// Context carries the values expressions can reference. Dir is the directory
// hashFiles resolves its paths against.
type Context struct {
	Dir     string
	Matrix  map[string]string
	Env     map[string]string
	Secrets map[string]string
	Github  map[string]string
	Runner  map[string]string
}

var (
	exprPattern    = regexp.MustCompile(`\$\{\{\s*(.+?)\s*\}\}`)
	ternaryPattern = regexp.MustCompile(`^([\w.-]+)\s*==\s*'([^']*)'\s*&&\s*'([^']*)'\s*\|\|\s*'([^']*)'$`)
	hashPattern    = regexp.MustCompile(`^hashFiles\(\s*(.+?)\s*\)$`)
	argPattern     = regexp.MustCompile(`'([^']*)'`)
)

// Render substitutes every ${{ ... }} occurrence in s. Unknown context keys
// render as the empty string; malformed expressions are an error.
func Render(s string, ctx Context) (string, error) {
	var evalErr error
	out := exprPattern.ReplaceAllStringFunc(s, func(match string) string {
		inner := strings.TrimSpace(exprPattern.FindStringSubmatch(match)[1])
		v, err := eval(inner, ctx)
		if err != nil && evalErr == nil {
			evalErr = err
		}
		return v
	})
	return out, evalErr
}

func eval(inner string, ctx Context) (string, error) {
	if m := ternaryPattern.FindStringSubmatch(inner); m != nil {
		v, err := lookup(m[1], ctx)
		if err != nil {
			return "", err
		}
		if v == m[2] {
			return m[3], nil
		}
		return m[4], nil
	}

	if m := hashPattern.FindStringSubmatch(inner); m != nil {
		paths := make([]string, 0)
		for _, arg := range argPattern.FindAllStringSubmatch(m[1], -1) {
			paths = append(paths, arg[1])
		}
		if len(paths) == 0 {
			return "", fmt.Errorf("hashFiles needs at least one quoted path: %s", inner)
		}
		return HashFiles(ctx.Dir, paths...)
	}

	return lookup(inner, ctx)
}

func lookup(path string, ctx Context) (string, error) {
	name, key, found := strings.Cut(path, ".")
	if !found {
		return "", fmt.Errorf("unsupported expression %q", path)
	}

	var m map[string]string
	switch name {
	case "matrix":
		m = ctx.Matrix
	case "env":
		m = ctx.Env
	case "secrets":
		m = ctx.Secrets
	case "github":
		m = ctx.Github
	case "runner":
		m = ctx.Runner
	default:
		return "", fmt.Errorf("unknown expression context %q", name)
	}
	return m[key], nil
}

// HashFiles returns a hex digest over the named files, resolved relative to
// dir. Directories are walked in sorted order and both the relative path and
// the content of each file feed the digest, so identical trees always hash
// identically. Paths that do not exist contribute nothing.
func HashFiles(dir string, paths ...string) (string, error) {
	h := sha256.New()
	for _, p := range paths {
		root := filepath.Join(dir, filepath.Clean(p))
		info, err := os.Stat(root)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("unable to stat %s for hashing: %v", root, err)
		}

		files := []string{root}
		if info.IsDir() {
			files = files[:0]
			err := filepath.Walk(root, func(path string, info fs.FileInfo, err error) error {
				if err != nil {
					return err
				}
				if !info.IsDir() {
					files = append(files, path)
				}
				return nil
			})
			if err != nil {
				return "", fmt.Errorf("unable to walk %s for hashing: %v", root, err)
			}
			sort.Strings(files)
		}

		for _, f := range files {
			rel, err := filepath.Rel(dir, f)
			if err != nil {
				rel = f
			}
			io.WriteString(h, filepath.ToSlash(rel))
			h.Write([]byte{0})
			data, err := os.ReadFile(f)
			if err != nil {
				return "", fmt.Errorf("unable to read %s for hashing: %v", f, err)
			}
			h.Write(data)
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
