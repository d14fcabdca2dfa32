// Package storage は生成物の保存先を抽象化するレイヤーを提供します。
package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Storage は生成物の保存・取得・削除を提供します。
// ローカル実装は開発環境用で、本番ではオブジェクトストレージ実装に
// 差し替えられる想定です。
type Storage interface {
	Save(ctx context.Context, path string, data []byte) error
	Load(ctx context.Context, path string) ([]byte, error)
	Delete(ctx context.Context, path string) error
}

// Local はローカルファイルシステムへの Storage 実装です。
type Local struct {
	root string
}

// NewLocal は root 配下に保存する Local を作成します。
func NewLocal(root string) (*Local, error) {
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}
	return &Local{root: root}, nil
}

// Save はデータを保存します。必要な中間ディレクトリは作成されます。
func (l *Local) Save(ctx context.Context, path string, data []byte) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return err
	}
	return os.WriteFile(full, data, 0o640)
}

// Load はデータを読み込みます。
func (l *Local) Load(ctx context.Context, path string) ([]byte, error) {
	full, err := l.resolve(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(full)
}

// Delete はデータを削除します。存在しない場合もエラーにしません。
func (l *Local) Delete(ctx context.Context, path string) error {
	full, err := l.resolve(path)
	if err != nil {
		return err
	}
	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// resolve は相対パスを root 配下の絶対パスへ解決します。
// root の外へ抜けるパスは拒否します。
func (l *Local) resolve(path string) (string, error) {
	if path == "" {
		return "", fmt.Errorf("path is required")
	}
	clean := filepath.Clean(path)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("invalid storage path: %q", path)
	}
	return filepath.Join(l.root, clean), nil
}
