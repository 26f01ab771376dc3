package audit

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MoveFileToDir moves srcPath into dstDir, adding a timestamp suffix when the
// name is taken. It falls back to copy+remove across devices.
func MoveFileToDir(srcPath string, dstDir string) (string, error) {
	if strings.TrimSpace(dstDir) == "" {
		return "", fmt.Errorf("dstDir is empty")
	}
	if err := os.MkdirAll(dstDir, 0o755); err != nil {
		return "", err
	}
	dstPath := uniquePath(dstDir, filepath.Base(srcPath))

	if err := os.Rename(srcPath, dstPath); err == nil {
		return dstPath, nil
	}
	if err := copyFile(srcPath, dstPath); err != nil {
		return "", err
	}
	if err := os.Remove(srcPath); err != nil {
		return "", err
	}
	return dstPath, nil
}

func uniquePath(dir, base string) string {
	p := filepath.Join(dir, base)
	if _, err := os.Stat(p); err != nil {
		return p
	}
	ext := filepath.Ext(base)
	name := strings.TrimSuffix(base, ext)
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", name, time.Now().UTC().Format("20060102T150405.000000000"), ext))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	_, copyErr := io.Copy(out, in)
	closeErr := out.Close()
	if copyErr != nil {
		_ = os.Remove(dst)
		return copyErr
	}
	if closeErr != nil {
		_ = os.Remove(dst)
		return closeErr
	}
	return nil
}
