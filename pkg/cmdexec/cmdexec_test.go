package cmdexec

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRunCapturesOutput(t *testing.T) {
	e := New()
	res, err := e.Run(context.Background(), time.Second, []string{"echo", "hello"}, nil)
	require.NoError(t, err)
	require.Equal(t, "hello\n", res.Stdout)
	require.Equal(t, 0, res.ExitCode)
}

func TestRunNonZeroExit(t *testing.T) {
	e := New()
	_, err := e.Run(context.Background(), time.Second, []string{"sh", "-c", "exit 3"}, nil)
	require.Error(t, err)
}

func TestRunTimeout(t *testing.T) {
	e := New()
	_, err := e.Run(context.Background(), 50*time.Millisecond, []string{"sleep", "5"}, nil)
	require.ErrorIs(t, err, ErrTimedOut)
}

func TestRunEmptyArgv(t *testing.T) {
	e := New()
	_, err := e.Run(context.Background(), time.Second, nil, nil)
	require.Error(t, err)
}
