package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/localci/localci/internal/resultdb"
	"github.com/localci/localci/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newOutput(t *testing.T) *resultdb.OutputHandle {
	t.Helper()
	dir := t.TempDir()
	db, err := resultdb.Open(filepath.Join(dir, "results.db"), filepath.Join(dir, "outputs"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	h, err := db.CreateOutput(resultdb.Key{ContentHash: "c", TestName: "t", ConfigHash: 1}, "c")
	require.NoError(t, err)
	return h
}

func baseJob(t *testing.T, program string, args []string) *Job {
	return &Job{
		Test: &types.Test{
			Name:                "t",
			Program:             program,
			Args:                args,
			ShutdownGracePeriod: 200 * time.Millisecond,
		},
		Commit:    "deadbeef",
		OriginDir: t.TempDir(),
		Output:    newOutput(t),
	}
}

func TestRunCompletesSuccessfully(t *testing.T) {
	job := baseJob(t, "true", nil)
	result := Run(context.Background(), job)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, 0, result.ExitCode)
}

func TestRunCapturesNonZeroExitCode(t *testing.T) {
	job := baseJob(t, "bash", []string{"-c", "exit 7"})
	result := Run(context.Background(), job)
	assert.Equal(t, types.StatusCompleted, result.Status)
	assert.Equal(t, 7, result.ExitCode)
}

func TestRunCancellationWithCleanShutdown(t *testing.T) {
	// Traps SIGINT and exits 0 promptly - cancellation must still yield
	// Cancelled, never Completed, even though the child "succeeded".
	script := `trap 'exit 0' SIGINT; sleep infinity & wait $!`
	job := baseJob(t, "bash", []string{"-c", script})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	go func() { done <- Run(ctx, job) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.Equal(t, types.StatusCancelled, result.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
}

func TestRunCancellationEscalatesToSigkill(t *testing.T) {
	// Ignores SIGINT entirely, forcing the grace period to expire and a
	// SIGKILL to be delivered.
	script := `trap '' SIGINT; sleep infinity & wait $!`
	job := baseJob(t, "bash", []string{"-c", script})
	job.Test.ShutdownGracePeriod = 100 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Result, 1)
	start := time.Now()
	go func() { done <- Run(ctx, job) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case result := <-done:
		assert.Equal(t, types.StatusCancelled, result.Status)
		assert.GreaterOrEqual(t, time.Since(start), job.Test.ShutdownGracePeriod)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after SIGKILL escalation")
	}
}

func TestRunChildKilledBySignalIsError(t *testing.T) {
	script := `echo $$ > ` + "pidfile" + `; sleep infinity`
	job := baseJob(t, "bash", []string{"-c", script})
	job.OriginDir = t.TempDir()
	// Run the script with its pidfile inside OriginDir so the test can find it.
	job.Test.Args = []string{"-c", `echo $$ > pidfile; sleep infinity`}

	done := make(chan Result, 1)
	go func() { done <- Run(context.Background(), job) }()

	pidPath := job.OriginDir + "/pidfile"
	var pid []byte
	for i := 0; i < 100; i++ {
		if b, err := os.ReadFile(pidPath); err == nil && len(b) > 0 {
			pid = b
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	require.NotEmpty(t, pid, "script never wrote its pid")

	pidNum, err := strconv.Atoi(strings.TrimSpace(string(pid)))
	require.NoError(t, err)
	require.NoError(t, syscall.Kill(pidNum, syscall.SIGTERM))

	select {
	case result := <-done:
		assert.Equal(t, types.StatusError, result.Status)
		assert.True(t, strings.Contains(result.Message, "signal"), "message: %s", result.Message)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after child was signalled")
	}
}

func TestRunInjectsEnvironment(t *testing.T) {
	dir := t.TempDir()
	job := baseJob(t, "bash", []string{"-c", "env > " + dir + "/env.txt"})
	job.Env = []string{"LCI_ORIGIN=" + job.OriginDir}
	job.Tokens = map[string][]string{"gpu": {"tok0", "tok1"}}

	result := Run(context.Background(), job)
	require.Equal(t, types.StatusCompleted, result.Status)

	dump, err := os.ReadFile(dir + "/env.txt")
	require.NoError(t, err)
	content := string(dump)
	assert.Contains(t, content, "LCI_COMMIT=deadbeef")
	assert.Contains(t, content, "LCI_RESOURCE_gpu_0=tok0")
	assert.Contains(t, content, "LCI_RESOURCE_gpu_1=tok1")
	assert.Contains(t, content, "LCI_ORIGIN="+job.OriginDir)
}

func TestRunSpawnFailureIsError(t *testing.T) {
	job := baseJob(t, "/no/such/binary-localci-test", nil)
	result := Run(context.Background(), job)
	assert.Equal(t, types.StatusError, result.Status)
	assert.Contains(t, result.Message, "spawn failed")
}

func TestRunWritesOutputToHandle(t *testing.T) {
	job := baseJob(t, "bash", []string{"-c", "echo hello-stdout; echo hello-stderr >&2"})
	result := Run(context.Background(), job)
	require.Equal(t, types.StatusCompleted, result.Status)
	require.NoError(t, job.Output.SetResult(result.ExitCode))
}
