package pathsafe

import (
	"os"
	"path/filepath"
	"testing"
)

func TestValidate_RejectsEmpty(t *testing.T) {
	if err := Validate("", ""); err != ErrEmpty {
		t.Fatalf("err = %v, want ErrEmpty", err)
	}
}

func TestValidate_RejectsNUL(t *testing.T) {
	if err := Validate("/tmp/foo\x00bar", ""); err != ErrNUL {
		t.Fatalf("err = %v, want ErrNUL", err)
	}
}

func TestValidate_RejectsDotDot(t *testing.T) {
	if err := Validate("/tmp/../etc/passwd", ""); err != ErrDotDot {
		t.Fatalf("err = %v, want ErrDotDot", err)
	}
}

func TestValidate_RequiresAbsoluteWithoutBase(t *testing.T) {
	if err := Validate("relative/path.log", ""); err != ErrNotAbsolute {
		t.Fatalf("err = %v, want ErrNotAbsolute", err)
	}
}

func TestValidate_AllowsAbsoluteWithoutBase(t *testing.T) {
	if err := Validate("/var/log/clauditor.log", ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_AllowsPathUnderBase(t *testing.T) {
	if err := Validate("nested/file.log", "/var/lib/clauditor"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidate_RejectsEscapeFromBase(t *testing.T) {
	if err := Validate("/etc/passwd", "/var/lib/clauditor"); err != ErrEscapesBase {
		t.Fatalf("err = %v, want ErrEscapesBase", err)
	}
}

// TestValidate_RejectsSymlinkEscape covers the case the observed account
// actually controls: a path that is nominally under base but is a symlink
// resolving outside it. The cleaned string alone never reveals this.
func TestValidate_RejectsSymlinkEscape(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "base")
	outside := filepath.Join(dir, "outside")
	if err := os.MkdirAll(base, 0o700); err != nil {
		t.Fatalf("MkdirAll base: %v", err)
	}
	if err := os.MkdirAll(outside, 0o700); err != nil {
		t.Fatalf("MkdirAll outside: %v", err)
	}

	outsideFile := filepath.Join(outside, "target.log")
	if err := os.WriteFile(outsideFile, []byte("x"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	link := filepath.Join(base, "escape.log")
	if err := os.Symlink(outsideFile, link); err != nil {
		t.Fatalf("Symlink: %v", err)
	}

	if err := Validate(link, base); err != ErrEscapesBase {
		t.Fatalf("err = %v, want ErrEscapesBase", err)
	}
}
