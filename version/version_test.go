package version

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInfoString(t *testing.T) {
	dev := Info{CommitHash: "abc1234def", BuildTime: "now", Version: "dev"}
	assert.Equal(t, "harvest dev (commit abc1234def, built now)", dev.String())

	tagged := Info{CommitHash: "abc1234def", BuildTime: "now", Version: "v1.2.0"}
	assert.True(t, strings.HasPrefix(tagged.String(), "harvest v1.2.0"))
}

func TestShort(t *testing.T) {
	assert.Equal(t, "abc1234", Info{CommitHash: "abc1234def"}.Short())
	assert.Equal(t, "dev", Info{CommitHash: "dev"}.Short())
}

func TestGetFillsPlatform(t *testing.T) {
	info := Get()
	assert.NotEmpty(t, info.GoVersion)
	assert.Contains(t, info.Platform, "/")
}
