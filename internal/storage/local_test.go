package storage

import (
	"bytes"
	"context"
	"testing"
)

func TestLocalSaveLoadDelete(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	ctx := context.Background()

	data := []byte("# Title\n\nbody\n")
	if err := local.Save(ctx, "articles/a.md", data); err != nil {
		t.Fatalf("Save returned error: %v", err)
	}

	loaded, err := local.Load(ctx, "articles/a.md")
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !bytes.Equal(loaded, data) {
		t.Fatalf("loaded data mismatch: %q", loaded)
	}

	if err := local.Delete(ctx, "articles/a.md"); err != nil {
		t.Fatalf("Delete returned error: %v", err)
	}
	// 既に存在しないパスの削除はエラーにしない
	if err := local.Delete(ctx, "articles/a.md"); err != nil {
		t.Fatalf("second Delete returned error: %v", err)
	}
}

func TestLocalRejectsEscapingPaths(t *testing.T) {
	local, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal returned error: %v", err)
	}
	ctx := context.Background()

	for _, path := range []string{"../outside.md", "/etc/passwd", ""} {
		if err := local.Save(ctx, path, []byte("x")); err == nil {
			t.Fatalf("expected error for path %q", path)
		}
	}
}
