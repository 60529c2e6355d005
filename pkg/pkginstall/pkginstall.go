// Package pkginstall implements §4.9's install_library(name,
// source_path): validate a package name, verify the source file, and
// copy it into ~/.ember/packages/<name>/package.ember.
//
// The teacher has no package manager, so this is new; it's grounded on
// the file-copy idiom in kristofer-smog/cmd/smog/main.go's compileFile
// (os.Create a destination, io.Copy/Write the payload, check every
// error) rather than on any runtime package of the teacher's own.
package pkginstall

import (
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kristofer/ember/pkg/errs"
)

const packageFile = "package.ember"

var validName = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

func validateName(name string) *errs.Error {
	if name == "" || strings.HasPrefix(name, "-") || !validName.MatchString(name) {
		return errs.New(errs.Security, "[SECURITY] invalid package name %q", name)
	}
	return nil
}

// Dir returns ~/.ember/packages/<name>, the install target §4.9
// describes, without creating it.
func Dir(name string) (string, *errs.Error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errs.New(errs.IO, "cannot determine home directory: %v", err)
	}
	return filepath.Join(home, ".ember", "packages", name), nil
}

// Install validates name and sourcePath, creates
// ~/.ember/packages/<name>/ (mode 0755), and copies sourcePath into it
// as package.ember.
func Install(name, sourcePath string) *errs.Error {
	if err := validateName(name); err != nil {
		return err
	}

	info, statErr := os.Stat(sourcePath)
	if statErr != nil {
		return errs.New(errs.IO, "source %q not readable: %v", sourcePath, statErr)
	}
	if info.IsDir() {
		return errs.New(errs.IO, "source %q is a directory, expected a script file", sourcePath)
	}

	dir, derr := Dir(name)
	if derr != nil {
		return derr
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errs.New(errs.IO, "creating %q: %v", dir, err)
	}

	src, err := os.Open(sourcePath)
	if err != nil {
		return errs.New(errs.IO, "%v", err)
	}
	defer src.Close()

	destPath := filepath.Join(dir, packageFile)
	dst, err := os.Create(destPath)
	if err != nil {
		return errs.New(errs.IO, "%v", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return errs.New(errs.IO, "copying %q to %q: %v", sourcePath, destPath, err)
	}
	return nil
}
