package utils

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"
)

func TestCompressDecompressRoundtrip(t *testing.T) {
	src := t.TempDir()
	if err := os.MkdirAll(filepath.Join(src, "nested", "deeper"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "top.txt"), []byte("top"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "nested", "deeper", "leaf.txt"), []byte("leaf"), 0644); err != nil {
		t.Fatal(err)
	}

	archive := filepath.Join(t.TempDir(), "out.tar.gz")
	if err := Compress(src, archive); err != nil {
		t.Fatal(err)
	}

	dst := t.TempDir()
	if err := Decompress(archive, dst); err != nil {
		t.Fatal(err)
	}

	// Entries are stored relative to the source root.
	top, err := os.ReadFile(filepath.Join(dst, "top.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(top) != "top" {
		t.Errorf("expected top, got %q", top)
	}
	leaf, err := os.ReadFile(filepath.Join(dst, "nested", "deeper", "leaf.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(leaf) != "leaf" {
		t.Errorf("expected leaf, got %q", leaf)
	}
}

func TestTarCopy(t *testing.T) {
	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "file.txt"), []byte("copied"), 0644); err != nil {
		t.Fatal(err)
	}

	dst := filepath.Join(t.TempDir(), "copy")
	if err := TarCopy(src, dst, ""); err != nil {
		t.Fatal(err)
	}

	content, err := os.ReadFile(filepath.Join(dst, "file.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if string(content) != "copied" {
		t.Errorf("expected copied, got %q", content)
	}
}

func TestDecompressRejectsEscapingEntries(t *testing.T) {
	archive := filepath.Join(t.TempDir(), "evil.tar.gz")
	f, err := os.Create(archive)
	if err != nil {
		t.Fatal(err)
	}
	gzw := gzip.NewWriter(f)
	tw := tar.NewWriter(gzw)
	content := []byte("escaped")
	if err := tw.WriteHeader(&tar.Header{
		Name:     "../outside.txt",
		Typeflag: tar.TypeReg,
		Mode:     0644,
		Size:     int64(len(content)),
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(content); err != nil {
		t.Fatal(err)
	}
	tw.Close()
	gzw.Close()
	f.Close()

	if err := Decompress(archive, t.TempDir()); err == nil {
		t.Error("entries escaping the base dir must be rejected")
	}
}
