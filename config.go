package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cardscan/pkg/blobstore"
	"cardscan/pkg/catalog"

	"github.com/spf13/viper"
)

// Config is the resolved runtime configuration.
type Config struct {
	Addr      string
	LogLevel  string
	LogFormat string

	JWTSecret string
	TokenTTL  time.Duration

	DBDriver      string
	DBDSN         string
	DBAutoMigrate bool

	StorageBackend string
	UploadBase     string
	S3             blobstore.S3Config

	TessdataPrefix string
	OCRWorkers     int
	OCRTimeout     time.Duration

	Catalog catalog.Config

	// ImageHosts lists the hosts image URLs may be fetched from.
	ImageHosts []string
}

const devJWTSecret = "dev-insecure-secret-change"

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8081")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("auth.jwt_secret", devJWTSecret)
	v.SetDefault("auth.token_ttl", 24*time.Hour)
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.auto_migrate", true)
	v.SetDefault("storage.backend", "fs")
	v.SetDefault("storage.upload_base", "uploads")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("ocr.workers", 0)
	v.SetDefault("ocr.timeout", 45*time.Second)
	def := catalog.DefaultConfig()
	v.SetDefault("catalog.base_url", def.BaseURL)
	v.SetDefault("catalog.timeout", def.Timeout)
	v.SetDefault("catalog.cache_ttl", def.CacheTTL)
	v.SetDefault("scan.image_hosts", []string{})
}

// legacyEnv maps keys to the unprefixed variable names deployments already use.
var legacyEnv = map[string]string{
	"db.dsn":              "DB_DSN",
	"db.auto_migrate":     "DB_AUTO_MIGRATE",
	"auth.jwt_secret":     "JWT_SECRET",
	"storage.upload_base": "UPLOAD_BASE",
	"ocr.tessdata":        "TESSDATA_PREFIX",
}

// newViper returns a viper reading cardscan.yaml (or file when set) and
// CARDSCAN_* environment variables.
func newViper(file string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("cardscan")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range legacyEnv {
		prefixed := "CARDSCAN_" + strings.ToUpper(strings.NewReplacer(".", "_").Replace(key))
		if err := v.BindEnv(key, prefixed, env); err != nil {
			return nil, err
		}
	}

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("cardscan")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func configFrom(v *viper.Viper) (Config, error) {
	cfg := Config{
		Addr:           v.GetString("server.addr"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
		JWTSecret:      v.GetString("auth.jwt_secret"),
		TokenTTL:       v.GetDuration("auth.token_ttl"),
		DBDriver:       strings.ToLower(v.GetString("db.driver")),
		DBDSN:          v.GetString("db.dsn"),
		DBAutoMigrate:  v.GetBool("db.auto_migrate"),
		StorageBackend: strings.ToLower(v.GetString("storage.backend")),
		UploadBase:     v.GetString("storage.upload_base"),
		S3: blobstore.S3Config{
			Bucket:    v.GetString("storage.s3.bucket"),
			Region:    v.GetString("storage.s3.region"),
			Endpoint:  v.GetString("storage.s3.endpoint"),
			AccessKey: v.GetString("storage.s3.access_key"),
			SecretKey: v.GetString("storage.s3.secret_key"),
		},
		TessdataPrefix: v.GetString("ocr.tessdata"),
		OCRWorkers:     v.GetInt("ocr.workers"),
		OCRTimeout:     v.GetDuration("ocr.timeout"),
		Catalog: catalog.Config{
			BaseURL:  v.GetString("catalog.base_url"),
			Timeout:  v.GetDuration("catalog.timeout"),
			CacheTTL: v.GetDuration("catalog.cache_ttl"),
		},
		ImageHosts: v.GetStringSlice("scan.image_hosts"),
	}
	switch cfg.DBDriver {
	case "postgres":
		if cfg.DBDSN == "" {
			return cfg, errors.New("DB_DSN is not set; postgres needs a DSN")
		}
	case "sqlite":
		if cfg.DBDSN == "" {
			cfg.DBDSN = "cardscan.db"
		}
	default:
		return cfg, fmt.Errorf("unsupported db driver %q", cfg.DBDriver)
	}
	switch cfg.StorageBackend {
	case "fs", "s3":
	default:
		return cfg, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
	return cfg, nil
}

func newLogger(cfg Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// loadDotEnv exports the variables of a dotenv file, read through viper,
// without overwriting variables that are already set.
func loadDotEnv(path string) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("env")
	if err := v.ReadInConfig(); err != nil {
		return
	}
	for _, key := range v.AllKeys() {
		name := strings.ToUpper(key)
		if _, exists := os.LookupEnv(name); !exists {
			_ = os.Setenv(name, v.GetString(key))
		}
	}
}
