package config_test

import (
	"testing"
	"time"

	"github.com/citymasterplan/geostore/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var configVars = []string{
	"PORT", "DATABASE_URL", "PGHOST", "PGPORT", "PGDATABASE", "PGUSER", "PGPASSWORD", "PGSSLMODE",
	"DB_MIGRATE", "UPLOAD_DIR", "MAX_UPLOAD_MB", "SHAPEFILE_CONVERTER", "OGR2OGR_PATH",
	"FIELD_ALIASES_FILE", "CORS_ALLOWED_ORIGINS", "REDIS_URL", "PARCELS_CACHE_TTL",
	"UPLOAD_RATE_PER_MINUTE", "UPLOAD_BURST", "APPROVER_TOKEN_HASH", "LOG_LEVEL", "LOG_FORMAT",
	"DEFAULT_CENTER", "TRUST_PROXY",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range configVars {
		t.Setenv(k, "")
	}
}

func TestLoadFromEnvDefaults(t *testing.T) {
	clearEnv(t)

	c := config.LoadFromEnv()
	require.NoError(t, c.Validate())

	assert.Equal(t, "5050", c.Port)
	assert.True(t, c.DemoMode())
	assert.True(t, c.Migrate)
	assert.Equal(t, int64(500<<20), c.MaxUploadBytes)
	assert.Equal(t, config.ConverterNative, c.Converter)
	assert.Equal(t, []string{"*"}, c.AllowedOrigins)
	assert.Equal(t, 60*time.Second, c.ParcelsCacheTTL)
	assert.Equal(t, config.DefaultCenter, c.DefaultCenter)
	assert.False(t, c.TrustProxy)
}

func TestLoadFromEnvBuildsDSNFromPGVars(t *testing.T) {
	clearEnv(t)
	t.Setenv("PGHOST", "db.internal")
	t.Setenv("PGDATABASE", "gis")
	t.Setenv("PGUSER", "gis")
	t.Setenv("PGPASSWORD", "secret")

	c := config.LoadFromEnv()
	assert.Equal(t, "host=db.internal port=5432 dbname=gis user=gis password=secret sslmode=prefer", c.DatabaseURL)
	assert.False(t, c.DemoMode())
}

func TestLoadFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("MAX_UPLOAD_MB", "10")
	t.Setenv("SHAPEFILE_CONVERTER", "OGR2OGR")
	t.Setenv("CORS_ALLOWED_ORIGINS", "http://localhost:5173, https://maps.example.org")
	t.Setenv("DEFAULT_CENTER", "9.03, 38.74")
	t.Setenv("TRUST_PROXY", "true")

	c := config.LoadFromEnv()
	require.NoError(t, c.Validate())
	assert.Equal(t, int64(10<<20), c.MaxUploadBytes)
	assert.Equal(t, config.ConverterOgr2Ogr, c.Converter)
	assert.Equal(t, []string{"http://localhost:5173", "https://maps.example.org"}, c.AllowedOrigins)
	assert.Equal(t, [2]float64{9.03, 38.74}, c.DefaultCenter)
	assert.True(t, c.TrustProxy)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad number":    {"MAX_UPLOAD_MB": "lots"},
		"zero size":     {"MAX_UPLOAD_MB": "0"},
		"converter":     {"SHAPEFILE_CONVERTER": "gdal"},
		"center":        {"DEFAULT_CENTER": "north"},
		"token hash":    {"APPROVER_TOKEN_HASH": "plaintext"},
		"log format":    {"LOG_FORMAT": "xml"},
		"zero burst":    {"UPLOAD_BURST": "0"},
		"cache ttl":     {"PARCELS_CACHE_TTL": "soon"},
		"migrate flag":  {"DB_MIGRATE": "perhaps"},
		"negative rate": {"UPLOAD_RATE_PER_MINUTE": "-1"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			assert.Error(t, config.LoadFromEnv().Validate())
		})
	}
}

func TestValidateAcceptsBcryptHash(t *testing.T) {
	clearEnv(t)
	hash, err := bcrypt.GenerateFromPassword([]byte("let-me-approve"), bcrypt.MinCost)
	require.NoError(t, err)
	t.Setenv("APPROVER_TOKEN_HASH", string(hash))

	assert.NoError(t, config.LoadFromEnv().Validate())
}
