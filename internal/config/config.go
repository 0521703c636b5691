package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// ConverterType selects how shapefiles are turned into geometries.
type ConverterType string

const (
	ConverterNative  ConverterType = "native"
	ConverterOgr2Ogr ConverterType = "ogr2ogr"
)

const (
	DefaultPort            = "5050"
	DefaultMaxUploadMB     = 500
	DefaultOgr2OgrPath     = "ogr2ogr"
	DefaultParcelsCacheTTL = 60 * time.Second
	DefaultUploadRate      = 6
	DefaultUploadBurst     = 2
)

// DefaultCenter is the map center ([lat, lng]) reported when an upload stages nothing.
var DefaultCenter = [2]float64{11.8311, 39.6069}

// Config holds the server and CLI configuration.
type Config struct {
	Port        string
	DatabaseURL string
	// Migrate runs schema bootstrap at startup.
	Migrate bool

	UploadDir        string
	MaxUploadBytes   int64
	Converter        ConverterType
	Ogr2OgrPath      string
	FieldAliasesFile string

	AllowedOrigins  []string
	RedisURL        string
	ParcelsCacheTTL time.Duration

	UploadRatePerMinute float64
	UploadBurst         int
	// TrustProxy takes the client address from X-Forwarded-For/X-Real-IP.
	// Only set it behind a proxy that overwrites those headers.
	TrustProxy bool

	// ApproverTokenHash is a bcrypt hash; empty leaves apply/reject open.
	ApproverTokenHash string

	LogLevel  string
	LogFormat string

	DefaultCenter [2]float64

	invalid []string
}

// LoadFromEnv loads configuration from environment variables.
//
// Environment variables:
//   - PORT (default 5050)
//   - DATABASE_URL, or PGHOST/PGPORT/PGDATABASE/PGUSER/PGPASSWORD/PGSSLMODE
//   - DB_MIGRATE (default true)
//   - UPLOAD_DIR (default $TMPDIR/geostore-uploads)
//   - MAX_UPLOAD_MB (default 500)
//   - SHAPEFILE_CONVERTER: "native" or "ogr2ogr" (default native)
//   - OGR2OGR_PATH (default ogr2ogr)
//   - FIELD_ALIASES_FILE: YAML override of the attribute alias table
//   - CORS_ALLOWED_ORIGINS: comma separated, "*" allows any (default *)
//   - REDIS_URL: enables the shared parcel cache
//   - PARCELS_CACHE_TTL (default 60s)
//   - UPLOAD_RATE_PER_MINUTE (default 6), UPLOAD_BURST (default 2)
//   - TRUST_PROXY: key the upload limit on forwarded client addresses (default false)
//   - APPROVER_TOKEN_HASH: bcrypt hash guarding apply/reject
//   - LOG_LEVEL (default info), LOG_FORMAT: "json" or "console" (default json)
//   - DEFAULT_CENTER: "lat,lng" (default 11.8311,39.6069)
func LoadFromEnv() Config {
	c := Config{
		Port:              envOr("PORT", DefaultPort),
		DatabaseURL:       databaseURL(),
		UploadDir:         envOr("UPLOAD_DIR", filepath.Join(os.TempDir(), "geostore-uploads")),
		Ogr2OgrPath:       envOr("OGR2OGR_PATH", DefaultOgr2OgrPath),
		FieldAliasesFile:  strings.TrimSpace(os.Getenv("FIELD_ALIASES_FILE")),
		RedisURL:          strings.TrimSpace(os.Getenv("REDIS_URL")),
		ApproverTokenHash: strings.TrimSpace(os.Getenv("APPROVER_TOKEN_HASH")),
		LogLevel:          envOr("LOG_LEVEL", "info"),
		LogFormat:         strings.ToLower(envOr("LOG_FORMAT", "json")),
		DefaultCenter:     DefaultCenter,
	}

	c.Migrate = c.boolEnv("DB_MIGRATE", true)
	c.TrustProxy = c.boolEnv("TRUST_PROXY", false)
	c.MaxUploadBytes = int64(c.intEnv("MAX_UPLOAD_MB", DefaultMaxUploadMB)) << 20
	c.ParcelsCacheTTL = c.durationEnv("PARCELS_CACHE_TTL", DefaultParcelsCacheTTL)
	c.UploadRatePerMinute = c.floatEnv("UPLOAD_RATE_PER_MINUTE", DefaultUploadRate)
	c.UploadBurst = c.intEnv("UPLOAD_BURST", DefaultUploadBurst)

	switch strings.ToLower(strings.TrimSpace(os.Getenv("SHAPEFILE_CONVERTER"))) {
	case "ogr2ogr":
		c.Converter = ConverterOgr2Ogr
	case "", "native":
		c.Converter = ConverterNative
	default:
		c.Converter = ConverterType(os.Getenv("SHAPEFILE_CONVERTER"))
	}

	origins := envOr("CORS_ALLOWED_ORIGINS", "*")
	for _, o := range strings.Split(origins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			c.AllowedOrigins = append(c.AllowedOrigins, o)
		}
	}

	if raw := strings.TrimSpace(os.Getenv("DEFAULT_CENTER")); raw != "" {
		center, err := parseCenter(raw)
		if err != nil {
			c.invalid = append(c.invalid, "DEFAULT_CENTER")
		} else {
			c.DefaultCenter = center
		}
	}

	return c
}

// Validate reports settings that cannot work.
func (c Config) Validate() error {
	if len(c.invalid) > 0 {
		return fmt.Errorf("invalid value for %s", strings.Join(c.invalid, ", "))
	}
	if c.MaxUploadBytes <= 0 {
		return errors.New("MAX_UPLOAD_MB must be positive")
	}
	if c.Converter != ConverterNative && c.Converter != ConverterOgr2Ogr {
		return fmt.Errorf("unknown SHAPEFILE_CONVERTER %q", c.Converter)
	}
	if c.UploadRatePerMinute <= 0 || c.UploadBurst <= 0 {
		return errors.New("UPLOAD_RATE_PER_MINUTE and UPLOAD_BURST must be positive")
	}
	if c.ApproverTokenHash != "" {
		if _, err := bcrypt.Cost([]byte(c.ApproverTokenHash)); err != nil {
			return fmt.Errorf("APPROVER_TOKEN_HASH is not a bcrypt hash: %w", err)
		}
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("unknown LOG_FORMAT %q", c.LogFormat)
	}
	return nil
}

// DemoMode reports whether no database was configured at all.
func (c Config) DemoMode() bool { return c.DatabaseURL == "" }

func databaseURL() string {
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		return dsn
	}
	host := strings.TrimSpace(os.Getenv("PGHOST"))
	if host == "" {
		return ""
	}
	return fmt.Sprintf("host=%s port=%s dbname=%s user=%s password=%s sslmode=%s",
		host,
		envOr("PGPORT", "5432"),
		envOr("PGDATABASE", "postgres"),
		envOr("PGUSER", "postgres"),
		os.Getenv("PGPASSWORD"),
		envOr("PGSSLMODE", "prefer"),
	)
}

func parseCenter(raw string) ([2]float64, error) {
	parts := strings.Split(raw, ",")
	if len(parts) != 2 {
		return [2]float64{}, errors.New("expected lat,lng")
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return [2]float64{}, err
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return [2]float64{}, err
	}
	if lat < -90 || lat > 90 || lng < -180 || lng > 180 {
		return [2]float64{}, errors.New("center out of range")
	}
	return [2]float64{lat, lng}, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func (c *Config) intEnv(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.invalid = append(c.invalid, key)
		return def
	}
	return n
}

func (c *Config) floatEnv(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.invalid = append(c.invalid, key)
		return def
	}
	return f
}

func (c *Config) boolEnv(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		c.invalid = append(c.invalid, key)
		return def
	}
	return b
}

func (c *Config) durationEnv(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		c.invalid = append(c.invalid, key)
		return def
	}
	return d
}
