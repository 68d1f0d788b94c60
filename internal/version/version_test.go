package version

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestString(t *testing.T) {
	oldV, oldC, oldD := Version, GitCommit, BuildDate
	t.Cleanup(func() { Version, GitCommit, BuildDate = oldV, oldC, oldD })

	Version, GitCommit, BuildDate = "1.2.3", "abc123", "2025-01-02"
	assert.Equal(t, "1.2.3 (commit: abc123, built: 2025-01-02)", String())

	v, c, d := Info()
	assert.Equal(t, "1.2.3", v)
	assert.Equal(t, "abc123", c)
	assert.Equal(t, "2025-01-02", d)
}
