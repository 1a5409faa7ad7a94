package runtime

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProcessAliveForSelf(t *testing.T) {
	require.True(t, processAlive(os.Getpid()))
}

func TestProcessAliveForImpossiblePID(t *testing.T) {
	// PID 2^22-1 is above any real PID on a default pid_max; treated as gone.
	require.False(t, processAlive(4194303))
}
