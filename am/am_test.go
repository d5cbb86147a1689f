package am

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func defaultConfig(t *testing.T) *Config {
	t.Helper()
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
	return cfg
}

// isolate points HOME and cwd at a fresh temp dir so no real config leaks in.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Chdir(dir)
	Reset()
	t.Cleanup(Reset)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	cfg := defaultConfig(t)

	assert.Equal(t, "reel.db", cfg.Database.Path)
	assert.Equal(t, DefaultServerPort, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Pulse.Workers)
	assert.Equal(t, 64, cfg.Pulse.QueueSize)
	assert.Equal(t, 30, cfg.Pulse.TickerIntervalSeconds)
	assert.Equal(t, RecoverMarkError, cfg.Pulse.RecoverInterrupted)
	assert.Equal(t, "yt-dlp", cfg.Fetch.Binary)
	assert.Equal(t, "cookies.txt", cfg.Fetch.CookiesFile)
	assert.Equal(t, filepath.Join("downloads", "%(title)s.%(ext)s"), cfg.DefaultOutputTemplate())
	assert.Equal(t, 30*time.Second, cfg.TickerInterval())
	assert.Equal(t, time.Hour, cfg.FetchTimeout())
	assert.NoError(t, cfg.Validate())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults", func(*Config) {}, false},
		{"zero workers", func(c *Config) { c.Pulse.Workers = 0 }, true},
		{"zero queue", func(c *Config) { c.Pulse.QueueSize = 0 }, true},
		{"zero interval", func(c *Config) { c.Pulse.TickerIntervalSeconds = 0 }, true},
		{"requeue policy", func(c *Config) { c.Pulse.RecoverInterrupted = RecoverRequeue }, false},
		{"unknown policy", func(c *Config) { c.Pulse.RecoverInterrupted = "retry" }, true},
		{"port zero", func(c *Config) { c.Server.Port = 0 }, true},
		{"port too big", func(c *Config) { c.Server.Port = 70000 }, true},
		{"empty binary", func(c *Config) { c.Fetch.Binary = "" }, true},
		{"zero timeout means none", func(c *Config) { c.Fetch.TimeoutSeconds = 0 }, false},
		{"negative rate", func(c *Config) { c.Fetch.MaxInvocationsPerMinute = -1 }, true},
		{"quoted extra args", func(c *Config) { c.Fetch.ExtraArgs = `--user-agent "reel test"` }, false},
		{"unterminated quote", func(c *Config) { c.Fetch.ExtraArgs = `--user-agent "reel` }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nworkers = 4\n\n[fetch]\nbinary = \"/opt/yt-dlp\"\n"), DefaultFilePermissions))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.Pulse.Workers)
	assert.Equal(t, "/opt/yt-dlp", cfg.Fetch.Binary)
	assert.Equal(t, 30, cfg.Pulse.TickerIntervalSeconds, "unset keys keep defaults")

	_, err = LoadFromFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestLoad_PrecedenceAndSources(t *testing.T) {
	dir := isolate(t)

	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".reel"), DefaultDirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".reel", "am.toml"),
		[]byte("[pulse]\nworkers = 3\nqueue_size = 10\n"), DefaultFilePermissions))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "am.toml"),
		[]byte("[pulse]\nqueue_size = 20\n"), DefaultFilePermissions))
	t.Setenv("REEL_SERVER_PORT", "9999")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Pulse.Workers, "user file")
	assert.Equal(t, 20, cfg.Pulse.QueueSize, "project file overrides user")
	assert.Equal(t, 9999, cfg.Server.Port, "env overrides files")
	assert.Len(t, LoadedFiles(), 2)

	settings, err := Introspect()
	require.NoError(t, err)
	bySource := map[string]ConfigSource{}
	for _, s := range settings {
		bySource[s.Key] = s.Source
	}
	assert.Equal(t, SourceUser, bySource["pulse.workers"])
	assert.Equal(t, SourceProject, bySource["pulse.queue_size"])
	assert.Equal(t, SourceEnvironment, bySource["server.port"])
	assert.Equal(t, SourceDefault, bySource["fetch.binary"])
}

func TestLoad_DotEnv(t *testing.T) {
	dir := isolate(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("REEL_FETCH_BINARY=/usr/local/bin/yt-dlp\n"), DefaultFilePermissions))
	t.Cleanup(func() { os.Unsetenv("REEL_FETCH_BINARY") })

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/usr/local/bin/yt-dlp", cfg.Fetch.Binary)
}

func TestFindProjectConfig(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(sub, DefaultDirPermissions))
	require.NoError(t, os.WriteFile(filepath.Join(root, "config.toml"), nil, DefaultFilePermissions))
	require.NoError(t, os.WriteFile(filepath.Join(root, "a", "am.toml"), nil, DefaultFilePermissions))

	t.Chdir(sub)
	assert.Equal(t, "am.toml", filepath.Base(findProjectConfig()), "nearest file wins")
}

func TestSetValue(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg", "am.toml")

	require.NoError(t, SetValue(path, "pulse.workers", "6"))
	require.NoError(t, SetValue(path, "fetch.download_dir", "/srv/media"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var got map[string]map[string]interface{}
	require.NoError(t, toml.Unmarshal(data, &got))
	assert.EqualValues(t, 6, got["pulse"]["workers"])
	assert.Equal(t, "/srv/media", got["fetch"]["download_dir"])

	// Second write rotated a backup
	_, err = os.Stat(path + ".back1")
	assert.NoError(t, err)

	err = SetValue(path, "pulse.bogus", "1")
	assert.Error(t, err)

	err = SetValue(path, "pulse.workers", "0")
	assert.Error(t, err, "invalid values are refused")
}

func TestRender(t *testing.T) {
	cfg := defaultConfig(t)
	data, err := Render(cfg)
	require.NoError(t, err)

	v := viper.New()
	v.SetConfigType("toml")
	require.NoError(t, v.ReadConfig(bytesReader(data)))
	assert.Equal(t, 30, v.GetInt("pulse.ticker_interval_seconds"))
	assert.Equal(t, "yt-dlp", v.GetString("fetch.binary"))
}

func TestConfigWatcher_ReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nticker_interval_seconds = 30\n"), DefaultFilePermissions))

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	cw.SetDebounce(10 * time.Millisecond)
	cw.SetLoader(func() (*Config, error) { return LoadFromFile(path) })

	reloaded := make(chan int, 4)
	cw.OnReload(func(c *Config) error {
		reloaded <- c.Pulse.TickerIntervalSeconds
		return nil
	})
	cw.Start()
	defer cw.Stop()

	require.NoError(t, os.WriteFile(path, []byte("[pulse]\nticker_interval_seconds = 5\n"), DefaultFilePermissions))

	select {
	case got := <-reloaded:
		assert.Equal(t, 5, got)
	case <-time.After(5 * time.Second):
		t.Fatal("reload callback not called")
	}
}

func TestConfigWatcher_IgnoresOwnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "am.toml")
	require.NoError(t, os.WriteFile(path, nil, DefaultFilePermissions))

	cw, err := NewConfigWatcher(path, zaptest.NewLogger(t).Sugar())
	require.NoError(t, err)
	defer cw.Stop()

	cw.MarkOwnWrite()
	assert.True(t, cw.checkOwnWrite())
	assert.False(t, cw.checkOwnWrite(), "flag clears after one check")
}
