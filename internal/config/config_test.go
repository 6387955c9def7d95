package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("INSTAGRAM_CLIENT_ID", "client")
	t.Setenv("INSTAGRAM_CLIENT_SECRET", "secret")
	t.Setenv("HOME_URL", "https://network.test/")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)
	t.Setenv("INSTAGRAM_ENDPOINT", "/instagram/")
	t.Setenv("REFRESH_THRESHOLD", "-1h")

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "https://network.test", cfg.HomeURL)
	require.Equal(t, "instagram", cfg.Endpoint)
	require.Equal(t, 72*time.Hour, cfg.RefreshThreshold)
	require.Equal(t, []string{"user_profile", "user_media"}, cfg.Scopes)
	require.Equal(t, "/wp-json/innocode/v1/instagram/deauth", cfg.RESTPath("deauth"))
}

func TestLoadOverrides(t *testing.T) {
	setRequired(t)
	t.Setenv("MULTISITE", "yes")
	t.Setenv("INSTAGRAM_APP_SITE_URL", "https://NETWORK.test/")
	t.Setenv("INSTAGRAM_SCOPES", "user_profile, ,user_media,")
	t.Setenv("RELAY_TIMEOUT", "2s")
	t.Setenv("REDIS_DB", "3")

	cfg, err := Load()
	require.NoError(t, err)
	require.True(t, cfg.Multisite)
	require.True(t, cfg.HasAppSite())
	require.True(t, cfg.IsAppSite())
	require.Equal(t, []string{"user_profile", "user_media"}, cfg.Scopes)
	require.Equal(t, 2*time.Second, cfg.RelayTimeout)
	require.Equal(t, 3, cfg.RedisDB)
}

func TestLoadRequiresCredentials(t *testing.T) {
	setRequired(t)
	t.Setenv("INSTAGRAM_CLIENT_SECRET", " ")

	_, err := Load()
	require.ErrorContains(t, err, "INSTAGRAM_CLIENT_SECRET")
}

func TestSatelliteIsNotRelay(t *testing.T) {
	cfg := Config{HomeURL: "https://satellite.test", AppSiteURL: "https://relay.test"}
	require.True(t, cfg.HasAppSite())
	require.False(t, cfg.IsAppSite())
}
