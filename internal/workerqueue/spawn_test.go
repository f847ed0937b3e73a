package workerqueue

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is the child side of the ProcessSpawner tests.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("CCI_WANT_HELPER_PROCESS") != "1" {
		return
	}
	opts, err := OptionsFromEnv()
	if err != nil {
		os.Exit(2)
	}
	dir := os.Args[len(os.Args)-1]
	if opts["fail"] == true {
		_, _ = os.Stderr.WriteString("child failing on purpose\n")
		os.Exit(3)
	}
	greeting, _ := opts["greeting"].(string)
	if err := os.WriteFile(filepath.Join(dir, "out.txt"), []byte(greeting), 0o644); err != nil {
		os.Exit(4)
	}
	os.Exit(0)
}

func TestProcessSpawner(t *testing.T) {
	ctx := context.Background()
	q := newQueue(t, Config{
		Name: "proc", NumWorkers: 2, QueueSize: 2,
		TaskOptions: func(dir string) map[string]any {
			return map[string]any{"greeting": "hi", "fail": filepath.Base(dir) == "bad"}
		},
		Spawner: ProcessSpawner{
			Path: os.Args[0],
			Args: []string{"-test.run=^TestHelperProcess$", "--"},
			Env:  []string{"CCI_WANT_HELPER_PROCESS=1"},
		},
	})

	for _, n := range []string{"bad", "good"} {
		_, err := q.PushName(ctx, n)
		require.NoError(t, err)
	}
	drain(t, q)

	out, err := os.ReadFile(filepath.Join(q.OutboxDir(), "good", "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(out))

	exc, err := os.ReadFile(filepath.Join(q.FailuresDir(), "bad", ExceptionFile))
	require.NoError(t, err)
	assert.Contains(t, string(exc), "exit status 3")
	log, err := os.ReadFile(filepath.Join(q.FailuresDir(), "bad", LogFile))
	require.NoError(t, err)
	assert.Contains(t, string(log), "child failing on purpose")
}

func TestOptionsFromEnv(t *testing.T) {
	t.Setenv(OptionsEnv, "")
	opts, err := OptionsFromEnv()
	require.NoError(t, err)
	assert.Empty(t, opts)

	t.Setenv(OptionsEnv, `{"num_records": 10}`)
	opts, err = OptionsFromEnv()
	require.NoError(t, err)
	assert.Equal(t, float64(10), opts["num_records"])

	t.Setenv(OptionsEnv, "{")
	_, err = OptionsFromEnv()
	assert.Error(t, err)
}
