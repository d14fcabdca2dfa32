// Package config は環境変数から設定を読み込み、アプリケーション全体で使用する設定を提供します。
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config はアプリケーションの設定を保持する構造体です。
type Config struct {
	// アプリケーション設定
	AppUsername     string // ログイン用ユーザー名
	AppPasswordHash string // bcryptでハッシュ化されたパスワード
	SessionSecret   string // セッション署名用の秘密鍵

	// サーバー設定
	Port    string // APIサーバーのポート番号
	GinMode string // Ginの実行モード (debug, release, test)

	// CORS設定
	CORSAllowedOrigins string // CORS許可オリジン（カンマ区切り）

	// ジョブ/キュー設定
	QueueRedisURL     string // Asynq用Redis接続URL（必須）
	WorkerConcurrency int    // ワーカーの同時実行ジョブ数
	JobExpireMinutes  int    // ジョブレコードの有効期限（分）

	// サイト解析設定
	ScrapeTimeoutSeconds int // 1ページ取得のタイムアウト（秒）
	MaxAnalysisPages     int // 解析対象ページ数の上限

	// コンテンツ生成設定
	LLMAPIBase  string // LLM APIのベースURL
	LLMAPIKey   string // LLM APIキー
	LLMModel    string // 使用するモデル名
	ArtifactDir string // 生成物の保存先ディレクトリ

	// クレジット設定
	InitialCredits int // 新規ユーザーへの初期クレジット付与数
}

// Load は環境変数から設定を読み込みます。
// .env.local ファイルが存在する場合はそこから読み込みます。
func Load() (*Config, error) {
	// .env.local ファイルを読み込む（存在しない場合はスキップ）
	loadEnvFile()

	config := &Config{
		// アプリケーション設定
		AppUsername:     getEnv("APP_USERNAME", ""),
		AppPasswordHash: getEnv("APP_PASSWORD_HASH", ""),
		SessionSecret:   getEnv("SESSION_SECRET", ""),

		// サーバー設定
		Port:    getEnv("PORT", "8080"),
		GinMode: getEnv("GIN_MODE", "debug"),

		// CORS設定
		CORSAllowedOrigins: getEnv("CORS_ALLOWED_ORIGINS", "http://localhost:5173"),

		// ジョブ/キュー設定
		QueueRedisURL:     getEnv("QUEUE_REDIS_URL", ""),
		WorkerConcurrency: getEnvAsInt("WORKER_CONCURRENCY", 3),
		JobExpireMinutes:  getEnvAsInt("JOB_EXPIRE_MINUTES", 60),

		// サイト解析設定
		ScrapeTimeoutSeconds: getEnvAsInt("SCRAPE_TIMEOUT_SECONDS", 20),
		MaxAnalysisPages:     getEnvAsInt("MAX_ANALYSIS_PAGES", 10),

		// コンテンツ生成設定
		LLMAPIBase:  getEnv("LLM_API_BASE", "https://api.openai.com/v1"),
		LLMAPIKey:   getEnv("LLM_API_KEY", ""),
		LLMModel:    getEnv("LLM_MODEL", "gpt-4o-mini"),
		ArtifactDir: getEnv("ARTIFACT_DIR", "/tmp/site-forge/artifacts"),

		// クレジット設定
		InitialCredits: getEnvAsInt("CREDITS_INITIAL", 10),
	}

	// 必須設定のバリデーション
	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func loadEnvFile() {
	if err := godotenv.Load(".env.local"); err == nil {
		return
	}

	cwd, err := os.Getwd()
	if err != nil {
		return
	}

	parent := filepath.Dir(cwd)
	if parent == "" || parent == cwd {
		return
	}

	_ = godotenv.Load(filepath.Join(parent, ".env.local"))
}

// Validate は設定の妥当性を検証します。
// キュー接続URLは起動時点で完全なURL形式であることを要求し、
// 不正な場合は暗黙のデフォルトに倒さずエラーで起動を拒否します。
func (c *Config) Validate() error {
	if c.QueueRedisURL == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is required (e.g. redis://127.0.0.1:6379/0)")
	}
	parsed, err := url.Parse(c.QueueRedisURL)
	if err != nil {
		return fmt.Errorf("QUEUE_REDIS_URL is not a valid URL: %w", err)
	}
	if parsed.Scheme != "redis" && parsed.Scheme != "rediss" {
		return fmt.Errorf("QUEUE_REDIS_URL must use redis:// or rediss:// scheme, got %q", c.QueueRedisURL)
	}
	if parsed.Host == "" {
		return fmt.Errorf("QUEUE_REDIS_URL is missing a host: %q", c.QueueRedisURL)
	}

	if c.WorkerConcurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.WorkerConcurrency)
	}

	// ローカル開発では認証設定は任意
	// 本番環境では厳格にチェックする想定
	if c.GinMode == "release" {
		if c.AppUsername == "" {
			return fmt.Errorf("APP_USERNAME is required in release mode")
		}
		if c.AppPasswordHash == "" {
			return fmt.Errorf("APP_PASSWORD_HASH is required in release mode")
		}
		if c.SessionSecret == "" {
			return fmt.Errorf("SESSION_SECRET is required in release mode")
		}
		if c.LLMAPIKey == "" {
			return fmt.Errorf("LLM_API_KEY is required in release mode")
		}
	}

	return nil
}

// getEnv は環境変数を取得し、存在しない場合はデフォルト値を返します。
func getEnv(key string, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvAsInt は環境変数を整数として取得します。
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
