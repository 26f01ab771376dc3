package audit

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestMoveFileToDir_EmptyDstDirErrors(t *testing.T) {
	if _, err := MoveFileToDir("x", ""); err == nil {
		t.Fatalf("expected error for empty dstDir")
	}
}

func TestMoveFileToDir_CreatesDstDir(t *testing.T) {
	tmp := t.TempDir()
	srcPath := filepath.Join(tmp, "events.csv")
	if err := os.WriteFile(srcPath, []byte("asset_id\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	dstPath, err := MoveFileToDir(srcPath, filepath.Join(tmp, "archive", "2022"))
	if err != nil {
		t.Fatal(err)
	}
	if dstPath != filepath.Join(tmp, "archive", "2022", "events.csv") {
		t.Fatalf("unexpected destination %q", dstPath)
	}
	if _, err := os.Stat(srcPath); !os.IsNotExist(err) {
		t.Fatalf("expected source removed: %s", srcPath)
	}
}

func TestMoveFileToDir_AvoidsNameCollision(t *testing.T) {
	tmp := t.TempDir()
	srcDir := filepath.Join(tmp, "incoming")
	dstDir := filepath.Join(tmp, "archive")
	if err := os.MkdirAll(srcDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		t.Fatal(err)
	}

	// A previous run already archived a source with the same name.
	base := "events.csv"
	if err := os.WriteFile(filepath.Join(dstDir, base), []byte("existing"), 0o644); err != nil {
		t.Fatal(err)
	}

	srcPath := filepath.Join(srcDir, base)
	if err := os.WriteFile(srcPath, []byte("payload"), 0o644); err != nil {
		t.Fatal(err)
	}

	dstPath, err := MoveFileToDir(srcPath, dstDir)
	if err != nil {
		t.Fatal(err)
	}
	if filepath.Base(dstPath) == base {
		t.Fatalf("expected collision-avoiding filename, got %q", dstPath)
	}
	if !strings.HasPrefix(filepath.Base(dstPath), "events-") || filepath.Ext(dstPath) != ".csv" {
		t.Fatalf("expected timestamp suffix before the extension, got %q", dstPath)
	}

	b, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "payload" {
		t.Fatalf("unexpected content: %q", string(b))
	}
	b, err = os.ReadFile(filepath.Join(dstDir, base))
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "existing" {
		t.Fatalf("existing archive was overwritten: %q", string(b))
	}
}

func TestCopyFile(t *testing.T) {
	tmp := t.TempDir()
	src := filepath.Join(tmp, "a.csv")
	dst := filepath.Join(tmp, "b.csv")
	if err := os.WriteFile(src, []byte("x,y\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := copyFile(src, dst); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "x,y\n" {
		t.Fatalf("unexpected content: %q", string(b))
	}
}
