package am

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func findSetting(intro *ConfigIntrospection, key string) (SettingInfo, bool) {
	for _, s := range intro.Settings {
		if s.Key == key {
			return s, true
		}
	}
	return SettingInfo{}, false
}

func TestGetConfigIntrospection(t *testing.T) {
	_, project := isolate(t)

	require.NoError(t, os.WriteFile(filepath.Join(project, ConfigFileName), []byte("[breaker]\nfailure_threshold = 9\n"), 0644))
	t.Setenv("HARVEST_FETCH_WORKERS", "3")

	intro, err := GetConfigIntrospection()
	require.NoError(t, err)

	threshold, ok := findSetting(intro, "breaker.failure_threshold")
	require.True(t, ok, "breaker.failure_threshold should be listed")
	assert.Equal(t, SourceProject, threshold.Source)
	assert.Equal(t, ConfigFileName, filepath.Base(threshold.SourcePath))

	workers, ok := findSetting(intro, "fetch.workers")
	require.True(t, ok)
	assert.Equal(t, SourceEnvironment, workers.Source)
	assert.Equal(t, "HARVEST_FETCH_WORKERS", workers.SourcePath)

	halfOpen, ok := findSetting(intro, "breaker.half_open_max_calls")
	require.True(t, ok)
	assert.Equal(t, SourceDefault, halfOpen.Source)
}
