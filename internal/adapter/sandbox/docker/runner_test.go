package docker

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
)

type nopConn struct{ net.Conn }

func (nopConn) Close() error { return nil }

type execResult struct {
	output   string
	exitCode int
}

// fakeEngine scripts the Docker client surface the runner touches.
type fakeEngine struct {
	imagePresent bool
	pullErr      error
	pulls        int
	createErr    error
	startErr     error
	inspects     []container.State
	inspectIdx   int
	execs        []execResult
	execIdx      int
	waitCode     int64
	waitErr      error
	logs         string
	removed      bool
	removeForce  bool
}

func (f *fakeEngine) ImagePull(_ context.Context, _ string, _ image.PullOptions) (io.ReadCloser, error) {
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return io.NopCloser(strings.NewReader("{}")), nil
}

func (f *fakeEngine) ImageInspectWithRaw(_ context.Context, _ string) (types.ImageInspect, []byte, error) {
	if !f.imagePresent {
		return types.ImageInspect{}, nil, errors.New("no such image")
	}
	return types.ImageInspect{}, nil, nil
}

func (f *fakeEngine) ContainerCreate(_ context.Context, _ *container.Config, _ *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, _ string) (container.CreateResponse, error) {
	if f.createErr != nil {
		return container.CreateResponse{}, f.createErr
	}
	return container.CreateResponse{ID: "cid-1"}, nil
}

func (f *fakeEngine) ContainerStart(_ context.Context, _ string, _ container.StartOptions) error {
	return f.startErr
}

func (f *fakeEngine) ContainerInspect(_ context.Context, _ string) (container.InspectResponse, error) {
	st := container.State{Running: true}
	if f.inspectIdx < len(f.inspects) {
		st = f.inspects[f.inspectIdx]
		f.inspectIdx++
	}
	stCopy := st
	return container.InspectResponse{
		ContainerJSONBase: &container.ContainerJSONBase{ID: "cid-1", State: &stCopy},
	}, nil
}

func (f *fakeEngine) ContainerWait(_ context.Context, _ string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	waitCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	if f.waitErr != nil {
		errCh <- f.waitErr
	} else {
		waitCh <- container.WaitResponse{StatusCode: f.waitCode}
	}
	return waitCh, errCh
}

func (f *fakeEngine) ContainerLogs(_ context.Context, _ string, _ container.LogsOptions) (io.ReadCloser, error) {
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	_, _ = w.Write([]byte(f.logs))
	return io.NopCloser(&buf), nil
}

func (f *fakeEngine) ContainerExecCreate(_ context.Context, _ string, _ container.ExecOptions) (types.IDResponse, error) {
	return types.IDResponse{ID: "exec-1"}, nil
}

func (f *fakeEngine) ContainerExecAttach(_ context.Context, _ string, _ container.ExecStartOptions) (types.HijackedResponse, error) {
	out := ""
	if f.execIdx < len(f.execs) {
		out = f.execs[f.execIdx].output
	}
	var buf bytes.Buffer
	w := stdcopy.NewStdWriter(&buf, stdcopy.Stdout)
	_, _ = w.Write([]byte(out))
	return types.HijackedResponse{Conn: nopConn{}, Reader: bufio.NewReader(&buf)}, nil
}

func (f *fakeEngine) ContainerExecInspect(_ context.Context, _ string) (container.ExecInspect, error) {
	code := 0
	if f.execIdx < len(f.execs) {
		code = f.execs[f.execIdx].exitCode
	}
	f.execIdx++
	return container.ExecInspect{ExitCode: code}, nil
}

func (f *fakeEngine) ContainerRemove(_ context.Context, _ string, opts container.RemoveOptions) error {
	f.removed = true
	f.removeForce = opts.Force
	return nil
}

func TestRunner_OneShotSuccess(t *testing.T) {
	engine := &fakeEngine{imagePresent: true, waitCode: 0, logs: `{"output":"done"}`}
	r := newRunner(engine, time.Minute, 10*time.Second)

	var phases []domain.ContainerPhase
	res, err := r.Execute(context.Background(), domain.ContainerRequest{
		Name:       "bench-case-1",
		Image:      "agent:latest",
		PullPolicy: PullIfNotPresent,
		Command:    "python agent.py",
		OnPhase:    func(p domain.ContainerPhase) { phases = append(phases, p) },
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Logs, `{"output":"done"}`)
	assert.Equal(t, []domain.ContainerPhase{domain.PhaseCaseExec}, phases)
	assert.Equal(t, 0, engine.pulls, "present image must not be pulled under if-not-present")
	assert.True(t, engine.removed)
	assert.True(t, engine.removeForce)
}

func TestRunner_PullFailureFallsBackToLocalImage(t *testing.T) {
	engine := &fakeEngine{imagePresent: true, pullErr: errors.New("registry down"), waitCode: 0}
	r := newRunner(engine, time.Minute, 10*time.Second)

	_, err := r.Execute(context.Background(), domain.ContainerRequest{
		Name: "bench-case-2", Image: "agent:latest", PullPolicy: PullAlways,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, engine.pulls)
}

func TestRunner_PullFailureWithoutLocalImage(t *testing.T) {
	engine := &fakeEngine{imagePresent: false, pullErr: errors.New("registry down")}
	r := newRunner(engine, time.Minute, 10*time.Second)

	_, err := r.Execute(context.Background(), domain.ContainerRequest{
		Name: "bench-case-3", Image: "agent:latest", PullPolicy: PullAlways,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_DOCKER_PULL_FAILED")
}

func TestRunner_ExecModeWithAfterExec(t *testing.T) {
	engine := &fakeEngine{
		imagePresent: true,
		inspects:     []container.State{{Running: true}},
		execs: []execResult{
			{output: `{"output":"hi"}`, exitCode: 0},
			{output: "flushed", exitCode: 0},
		},
		logs: "server listening",
	}
	r := newRunner(engine, time.Minute, 10*time.Second)

	res, err := r.Execute(context.Background(), domain.ContainerRequest{
		Name:             "bench-case-4",
		Image:            "sandbox:latest",
		PullPolicy:       PullNever,
		ExecCommand:      "curl -sf http://localhost:8000/run",
		AfterExecCommand: "curl -sf http://localhost:8000/flush",
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Contains(t, res.Logs, "[case-exec]")
	assert.Contains(t, res.Logs, "[after-exec]")
	assert.Contains(t, res.Logs, "[container]")
	assert.GreaterOrEqual(t, res.SandboxConnectMS, int64(0))
}

func TestRunner_ExecRetriesWhileConnectionRefused(t *testing.T) {
	engine := &fakeEngine{
		imagePresent: true,
		inspects:     []container.State{{Running: true}},
		execs: []execResult{
			{output: "curl: (7) Failed to connect", exitCode: 7},
			{output: `{"output":"ok"}`, exitCode: 0},
		},
	}
	r := newRunner(engine, time.Minute, 10*time.Second)

	res, err := r.Execute(context.Background(), domain.ContainerRequest{
		Name:                "bench-case-5",
		Image:               "sandbox:latest",
		PullPolicy:          PullNever,
		ExecCommand:         "curl -sf http://localhost:8000/run",
		StartupPollInterval: time.Millisecond,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, 2, engine.execIdx)
}

func TestConnectionRefusedMarkers(t *testing.T) {
	refused := []string{
		"connection refused",
		"curl: (7) whatever",
		"Failed to connect to localhost port 8000",
		"couldn't connect to server",
		"dial tcp: ECONNREFUSED",
	}
	for _, out := range refused {
		assert.True(t, connectionRefused(out, 1), out)
	}
	assert.True(t, connectionRefused("", 7), "curl exit 7 alone marks not-ready")
	assert.False(t, connectionRefused("some other failure", 1))
}

func TestRunner_SandboxDiesDuringStartup(t *testing.T) {
	engine := &fakeEngine{
		imagePresent: true,
		inspects:     []container.State{{Status: "exited", ExitCode: 137}},
	}
	r := newRunner(engine, time.Minute, 10*time.Second)

	_, err := r.Execute(context.Background(), domain.ContainerRequest{
		Name: "bench-case-6", Image: "sandbox:latest", PullPolicy: PullNever,
		ExecCommand: "curl -sf http://localhost:8000/run",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "E_DOCKER_SANDBOX_DIED")
	assert.True(t, engine.removed, "failed sandbox is still removed")
}

func TestRunner_NonZeroExitIsNotAnError(t *testing.T) {
	engine := &fakeEngine{imagePresent: true, waitCode: 3, logs: "boom"}
	r := newRunner(engine, time.Minute, 10*time.Second)

	res, err := r.Execute(context.Background(), domain.ContainerRequest{
		Name: "bench-case-7", Image: "agent:latest", PullPolicy: PullNever,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.ExitCode)
}
