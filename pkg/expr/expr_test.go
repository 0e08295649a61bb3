package expr

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRenderLookups(t *testing.T) {
	ctx := Context{
		Matrix:  map[string]string{"python": "3.13", "pip-flags": "--pre"},
		Secrets: map[string]string{"CODECOV_TOKEN": "tok-123"},
		Github:  map[string]string{"workflow": "Test", "ref": "refs/heads/main"},
		Runner:  map[string]string{"os": "Linux"},
	}

	tests := []struct {
		Name     string
		In       string
		Expected string
	}{
		{"matrix lookup", "python ${{ matrix.python }}", "python 3.13"},
		{"dashed key", "install ${{ matrix.pip-flags }} .", "install --pre ."},
		{"secret lookup", "${{ secrets.CODECOV_TOKEN }}", "tok-123"},
		{"group key", "${{ github.workflow }}-${{ github.ref }}", "Test-refs/heads/main"},
		{"runner os", "${{ runner.os }}-pertpy-cache", "Linux-pertpy-cache"},
		{"unknown key renders empty", "x${{ matrix.missing }}x", "xx"},
		{"no expressions", "plain text", "plain text"},
	}

	for _, test := range tests {
		got, err := Render(test.In, ctx)
		if err != nil {
			t.Errorf("%s: unexpected error %v", test.Name, err)
			continue
		}
		if got != test.Expected {
			t.Errorf("%s: expected %q, got %q", test.Name, test.Expected, got)
		}
	}
}

func TestRenderTernary(t *testing.T) {
	in := "pytest ${{ matrix.run_mode == 'slow' && '--runslow' || '' }}"

	slow, err := Render(in, Context{Matrix: map[string]string{"run_mode": "slow"}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(slow, "--runslow") {
		t.Errorf("slow mode should add --runslow, got %q", slow)
	}

	fast, err := Render(in, Context{Matrix: map[string]string{"run_mode": "fast"}})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(fast, "--runslow") {
		t.Errorf("fast mode should not add --runslow, got %q", fast)
	}
}

func TestRenderUnknownContext(t *testing.T) {
	if _, err := Render("${{ nope.key }}", Context{}); err == nil {
		t.Error("expected an error for an unknown context")
	}
}

func TestHashFilesDeterministic(t *testing.T) {
	dirA := t.TempDir()
	dirB := t.TempDir()
	for _, dir := range []string{dirA, dirB} {
		if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\nname = \"pertpy\"\n"), 0644); err != nil {
			t.Fatal(err)
		}
	}

	hashA, err := HashFiles(dirA, "pyproject.toml")
	if err != nil {
		t.Fatal(err)
	}
	hashB, err := HashFiles(dirB, "pyproject.toml")
	if err != nil {
		t.Fatal(err)
	}
	if hashA != hashB {
		t.Error("identical content must produce identical hashes")
	}

	if err := os.WriteFile(filepath.Join(dirB, "pyproject.toml"), []byte("[project]\nname = \"other\"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	hashC, err := HashFiles(dirB, "pyproject.toml")
	if err != nil {
		t.Fatal(err)
	}
	if hashC == hashA {
		t.Error("changed content must change the hash")
	}
}

func TestHashFilesWalksDirectories(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "meta")
	if err := os.MkdirAll(sub, 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "a.txt"), []byte("a"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(sub, "b.txt"), []byte("b"), 0644); err != nil {
		t.Fatal(err)
	}

	first, err := HashFiles(dir, "meta")
	if err != nil {
		t.Fatal(err)
	}
	second, err := HashFiles(dir, "meta")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("directory hashing must be deterministic")
	}
}

func TestHashFilesMissingPath(t *testing.T) {
	empty, err := HashFiles(t.TempDir(), "does-not-exist.toml")
	if err != nil {
		t.Fatal(err)
	}
	if empty == "" {
		t.Error("missing paths should still produce a digest")
	}
}

func TestRenderHashFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("x"), 0644); err != nil {
		t.Fatal(err)
	}

	key, err := Render("${{ runner.os }}-pertpy-cache-${{ hashFiles('pyproject.toml') }}", Context{
		Dir:    dir,
		Runner: map[string]string{"os": "Linux"},
	})
	if err != nil {
		t.Fatal(err)
	}
	expected, err := HashFiles(dir, "pyproject.toml")
	if err != nil {
		t.Fatal(err)
	}
	if key != "Linux-pertpy-cache-"+expected {
		t.Errorf("unexpected cache key %q", key)
	}
}
