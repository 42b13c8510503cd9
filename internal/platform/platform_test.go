package platform

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRunner struct {
	calls   [][]string
	stdout  string
	stderr  string
	err     error
	onCall  func(argv []string) (stdout, stderr string, err error)
}

func (f *fakeRunner) Run(ctx context.Context, host string, argv []string, stdin string) (string, string, error) {
	f.calls = append(f.calls, argv)
	if f.onCall != nil {
		return f.onCall(argv)
	}
	return f.stdout, f.stderr, f.err
}

func TestBackgroundSubmitParsesPID(t *testing.T) {
	runner := &fakeRunner{stdout: "12345\n"}
	d := NewBackgroundDriver(runner)
	jobID, err := d.Submit(context.Background(), JobSpec{RunDir: "/tmp/run1", SubmitNum: 1})
	require.NoError(t, err)
	assert.Equal(t, "12345", jobID)
}

func TestBackgroundPollRunningWhileProcessAlive(t *testing.T) {
	runner := &fakeRunner{stdout: "", err: nil}
	d := NewBackgroundDriver(runner)
	status, err := d.Poll(context.Background(), JobSpec{RunDir: "/tmp/run1"}, "12345")
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
}

func TestBackgroundPollSucceededAfterExit(t *testing.T) {
	runner := &fakeRunner{
		onCall: func(argv []string) (string, string, error) {
			if argv[0] == "kill" {
				return "", "", assertErr
			}
			return "0\n", "", nil
		},
	}
	d := NewBackgroundDriver(runner)
	status, err := d.Poll(context.Background(), JobSpec{RunDir: "/tmp/run1", SubmitNum: 2}, "12345")
	require.NoError(t, err)
	assert.Equal(t, StatusSucceeded, status)
}

var assertErr = fakeExitErr{}

type fakeExitErr struct{}

func (fakeExitErr) Error() string { return "process not found" }

func TestSlurmSubmitAndPoll(t *testing.T) {
	runner := &fakeRunner{
		onCall: func(argv []string) (string, string, error) {
			switch argv[0] {
			case "sbatch":
				return "98765\n", "", nil
			case "squeue":
				return "RUNNING\n", "", nil
			}
			return "", "", nil
		},
	}
	reg := NewRegistry(runner)
	d, err := reg.Get("slurm")
	require.NoError(t, err)

	jobID, err := d.Submit(context.Background(), JobSpec{RunDir: filepath.Join("/tmp", "run"), Directives: map[string]string{"time": "01:00:00"}})
	require.NoError(t, err)
	assert.Equal(t, "98765", jobID)

	status, err := d.Poll(context.Background(), JobSpec{}, jobID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, status)
}

func TestSlurmPollFailedState(t *testing.T) {
	runner := &fakeRunner{
		onCall: func(argv []string) (string, string, error) {
			return "FAILED\n", "", nil
		},
	}
	reg := NewRegistry(runner)
	d, err := reg.Get("slurm")
	require.NoError(t, err)
	status, err := d.Poll(context.Background(), JobSpec{}, "1")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, status)
}

func TestRegistryUnknownBatchSystem(t *testing.T) {
	reg := NewRegistry(&fakeRunner{})
	_, err := reg.Get("nonexistent")
	assert.Error(t, err)
}

func TestInstallTargetCacheRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "install.db")
	cache, err := OpenInstallTargetCache(path)
	require.NoError(t, err)
	defer cache.Close()

	_, found, err := cache.LastInstalled("hpc01")
	require.NoError(t, err)
	assert.False(t, found)

	now := time.Now()
	require.NoError(t, cache.MarkInstalled("hpc01", now))

	got, found, err := cache.LastInstalled("hpc01")
	require.NoError(t, err)
	require.True(t, found)
	assert.WithinDuration(t, now, got, time.Second)
}
