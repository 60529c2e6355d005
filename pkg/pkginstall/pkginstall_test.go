package pkginstall_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kristofer/ember/pkg/pkginstall"
)

// §8 scenario 7 (install half): install_library(name, source_path)
// copies the source into ~/.ember/packages/<name>/package.ember.
func TestInstallCopiesSourceIntoPackageDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	src := filepath.Join(t.TempDir(), "lib.ember")
	if err := os.WriteFile(src, []byte(`func add(a, b) { return a + b; }`), 0644); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	if err := pkginstall.Install("mathlib", src); err != nil {
		t.Fatalf("Install: %v", err)
	}

	dir, derr := pkginstall.Dir("mathlib")
	if derr != nil {
		t.Fatalf("Dir: %v", derr)
	}
	got, err := os.ReadFile(filepath.Join(dir, "package.ember"))
	if err != nil {
		t.Fatalf("reading installed package: %v", err)
	}
	if string(got) != `func add(a, b) { return a + b; }` {
		t.Fatalf("installed content = %q, mismatched source", got)
	}

	info, statErr := os.Stat(dir)
	if statErr != nil {
		t.Fatalf("stat package dir: %v", statErr)
	}
	if !info.IsDir() {
		t.Fatalf("package dir should be a directory")
	}
}

func TestInstallRejectsPathTraversalName(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	src := filepath.Join(t.TempDir(), "lib.ember")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	if err := pkginstall.Install("../../etc", src); err == nil {
		t.Fatalf("expected a validation error for a traversal-bearing package name")
	}
}

func TestInstallRejectsShellMetacharacterName(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	src := filepath.Join(t.TempDir(), "lib.ember")
	if err := os.WriteFile(src, []byte("x"), 0644); err != nil {
		t.Fatalf("writing source: %v", err)
	}

	for _, name := range []string{"lib; rm -rf /", "lib|cat", "-rf", ""} {
		if err := pkginstall.Install(name, src); err == nil {
			t.Errorf("expected validation error for package name %q", name)
		}
	}
}

func TestInstallRejectsUnreadableSource(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := pkginstall.Install("lib", filepath.Join(t.TempDir(), "does-not-exist.ember")); err == nil {
		t.Fatalf("expected an error for a nonexistent source path")
	}
}

func TestInstallRejectsDirectoryAsSource(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	if err := pkginstall.Install("lib", t.TempDir()); err == nil {
		t.Fatalf("expected an error when source_path is a directory")
	}
}
