package hostinfo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCollect(t *testing.T) {
	snap := Collect(context.Background())

	assert.NotEmpty(t, snap.Hostname)
	assert.Positive(t, snap.CPUCount)
	assert.Positive(t, snap.MemTotalMB)
}
