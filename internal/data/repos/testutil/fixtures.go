package testutil

import (
	"os"
	"path/filepath"
	"testing"
)

func testingPID() int { return os.Getpid() }

// WriteTree materialises files (slash-separated relative path -> contents)
// under a fresh temp dir and returns its root.
func WriteTree(tb testing.TB, files map[string]string) string {
	tb.Helper()
	root := tb.TempDir()
	for rel, body := range files {
		full := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			tb.Fatalf("mkdir %s: %v", rel, err)
		}
		if err := os.WriteFile(full, []byte(body), 0o644); err != nil {
			tb.Fatalf("write %s: %v", rel, err)
		}
	}
	return root
}
