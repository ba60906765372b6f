package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	v, sha := Version, GitSHA
	t.Cleanup(func() { Version, GitSHA = v, sha })

	Version, GitSHA = "1.2.0", "unknown"
	assert.Equal(t, "1.2.0", String())

	GitSHA = "0123456789abcdef"
	assert.Equal(t, "1.2.0+0123456", String())
}
