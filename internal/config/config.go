// Package config は通知サービスの設定を読み込む。
//
// 設定はデフォルト値、YAMLファイル（任意）、環境変数の順に上書きされる。
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nao1215/tabelist/pkg/logging"
)

// Config は通知サービスの設定。
type Config struct {
	// Port はHTTPサーバーのリッスンポート。
	Port string `yaml:"port"`
	// DatabasePath はSQLiteデータベースファイルのパス。
	DatabasePath string `yaml:"database_path"`
	// JWTSecret はJWT検証に使用するシークレット。
	JWTSecret string `yaml:"jwt_secret"`
	// FrontendURL はCORSで許可するフロントエンドのオリジン。
	FrontendURL string `yaml:"frontend_url"`
	// EventStoreURL はEvent StoreサービスのベースURL。空ならEvent Storeへは記録しない。
	EventStoreURL string `yaml:"eventstore_url"`
	// CatalogURL はリスト・ユーザー・レストラン情報を提供するカタログサービスのベースURL。
	CatalogURL string `yaml:"catalog_url"`
	// RedisURL は未読件数キャッシュに使うRedisのURL。空ならキャッシュしない。
	RedisURL string `yaml:"redis_url"`
	// AMQPURL は作成イベントを発行するRabbitMQのURL。空なら発行しない。
	AMQPURL string `yaml:"amqp_url"`
	// AMQPExchange はイベントを発行するトピック交換機の名前。
	AMQPExchange string `yaml:"amqp_exchange"`
	// SweepInterval は定期掃除の間隔。
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// AudienceWindow はお知らせの既定の宛先とする最終アクセスからの期間。
	AudienceWindow time.Duration `yaml:"audience_window"`
	// AsyncTriggers がtrueなら通知トリガーを非同期で実行する。
	AsyncTriggers bool `yaml:"async_triggers"`
	// LogLevel はログレベル（debug/info/warn/error）。
	LogLevel string `yaml:"log_level"`
}

// Default はデフォルト設定を返す。
func Default() Config {
	return Config{
		Port:           "8085",
		DatabasePath:   "/data/notification.db",
		JWTSecret:      "dev-secret-key",
		FrontendURL:    "http://localhost:3000",
		CatalogURL:     "http://localhost:8081",
		AMQPExchange:   "tabelist.events",
		SweepInterval:  time.Hour,
		AudienceWindow: 6 * 30 * 24 * time.Hour,
		AsyncTriggers:  true,
		LogLevel:       "info",
	}
}

// Load はデフォルト設定にpathのYAMLファイルと環境変数を重ねた設定を返す。
// pathが空またはファイルが存在しない場合はYAMLを読み込まない。
func Load(path string) (Config, error) {
	return load(path, os.LookupEnv)
}

// load は環境変数の参照関数を指定して設定を読み込む。
func load(path string, lookup func(string) (string, bool)) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("設定ファイル %s の読み込みに失敗: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("設定ファイル %s の解析に失敗: %w", path, err)
			}
		}
	}

	if err := applyEnv(&cfg, lookup); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("設定が不正です: %w", err)
	}
	return cfg, nil
}

// applyEnv は設定されている環境変数で値を上書きする。
func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"PORT":           &cfg.Port,
		"DATABASE_PATH":  &cfg.DatabasePath,
		"JWT_SECRET":     &cfg.JWTSecret,
		"FRONTEND_URL":   &cfg.FrontendURL,
		"EVENTSTORE_URL": &cfg.EventStoreURL,
		"CATALOG_URL":    &cfg.CatalogURL,
		"REDIS_URL":      &cfg.RedisURL,
		"AMQP_URL":       &cfg.AMQPURL,
		"AMQP_EXCHANGE":  &cfg.AMQPExchange,
		"LOG_LEVEL":      &cfg.LogLevel,
	}
	for key, dst := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup("SWEEP_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SWEEP_INTERVALが不正です: %w", err)
		}
		cfg.SweepInterval = d
	}
	if v, ok := lookup("ASYNC_TRIGGERS"); ok && v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("ASYNC_TRIGGERSが不正です: %w", err)
		}
		cfg.AsyncTriggers = b
	}
	return nil
}

// Validate は設定値を検証する。
func (c Config) Validate() error {
	var errs []error
	if port, err := strconv.Atoi(c.Port); err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("portが不正です: %q", c.Port))
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		errs = append(errs, errors.New("database_pathが必要です"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("jwt_secretが必要です"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("sweep_intervalは正の値が必要です: %s", c.SweepInterval))
	}
	if c.AudienceWindow <= 0 {
		errs = append(errs, fmt.Errorf("audience_windowは正の値が必要です: %s", c.AudienceWindow))
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, err)
	}
	for name, raw := range map[string]string{
		"frontend_url":   c.FrontendURL,
		"eventstore_url": c.EventStoreURL,
		"catalog_url":    c.CatalogURL,
		"redis_url":      c.RedisURL,
		"amqp_url":       c.AMQPURL,
	} {
		if raw == "" {
			continue
		}
		if u, err := url.Parse(raw); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%sが不正です: %q", name, raw))
		}
	}
	if c.AMQPURL != "" && c.AMQPExchange == "" {
		errs = append(errs, errors.New("amqp_urlを指定する場合はamqp_exchangeが必要です"))
	}
	return errors.Join(errs...)
}

// Addr はHTTPサーバーのリッスンアドレスを返す。
func (c Config) Addr() string {
	return ":" + c.Port
}
