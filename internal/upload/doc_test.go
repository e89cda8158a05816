package upload

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestObjectName(t *testing.T) {
	t.Parallel()

	require.Equal(t, "clips/alice-1.mp4", ObjectName("/clips/", "/tmp/work/alice-1.mp4"))
	require.Equal(t, "alice-1.mp4", ObjectName("", "alice-1.mp4"))
}
