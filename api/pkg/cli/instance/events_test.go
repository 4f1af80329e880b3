package instance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatFields(t *testing.T) {
	assert.Equal(t, "", formatFields(nil))
	assert.Equal(t, "pid=42 role=xvfb", formatFields(map[string]string{"role": "xvfb", "pid": "42"}))
}

func TestFromUnixSeconds(t *testing.T) {
	assert.True(t, fromUnixSeconds(0).IsZero())
	assert.Equal(t, time.Unix(1700000000, 500000000), fromUnixSeconds(1700000000.5))
}
