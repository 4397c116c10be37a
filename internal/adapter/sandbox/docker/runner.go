// Package docker runs benchmark cases in ephemeral containers through the
// Docker Engine API.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/fairyhunter13/agent-bench-worker/internal/domain"
	"github.com/fairyhunter13/agent-bench-worker/internal/observability"
)

// Pull policies accepted by the runner.
const (
	PullAlways       = "always"
	PullIfNotPresent = "if-not-present"
	PullNever        = "never"
)

// engineAPI is the slice of the Docker client the runner uses. The concrete
// *client.Client satisfies it; tests substitute a fake.
type engineAPI interface {
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerInspect(ctx context.Context, containerID string) (container.InspectResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerLogs(ctx context.Context, containerID string, options container.LogsOptions) (io.ReadCloser, error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
}

// Runner implements domain.ContainerRunner on the Docker Engine.
type Runner struct {
	cli            engineAPI
	pullTimeout    time.Duration
	inspectTimeout time.Duration
}

var _ domain.ContainerRunner = (*Runner)(nil)

// NewRunner connects to the local Docker daemon using the standard
// environment discovery (DOCKER_HOST and friends).
func NewRunner(pullTimeout, inspectTimeout time.Duration) (*Runner, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("op=docker.connect: %w", err)
	}
	return newRunner(cli, pullTimeout, inspectTimeout), nil
}

func newRunner(cli engineAPI, pullTimeout, inspectTimeout time.Duration) *Runner {
	if pullTimeout <= 0 {
		pullTimeout = 5 * time.Minute
	}
	if inspectTimeout <= 0 {
		inspectTimeout = 10 * time.Second
	}
	return &Runner{cli: cli, pullTimeout: pullTimeout, inspectTimeout: inspectTimeout}
}

// Execute runs one case container to completion and always removes the
// container afterwards. When req.ExecCommand is set the container is
// treated as a long-running sandbox: the runner waits for it to come up,
// runs the case command with exec, and optionally a follow-up command.
// Otherwise the container's own process is the case and the runner waits
// for it to exit.
func (r *Runner) Execute(ctx domain.Context, req domain.ContainerRequest) (domain.ContainerResult, error) {
	log := observability.LoggerFromContext(ctx)
	res := domain.ContainerResult{ExitCode: -1}

	if err := r.ensureImage(ctx, log, req.Image, req.PullPolicy); err != nil {
		return res, err
	}

	id, err := r.createAndStart(ctx, req)
	if err != nil {
		return res, err
	}
	defer func() {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := r.cli.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil {
			log.Warn("container remove failed", slog.String("container", req.Name), slog.Any("error", err))
		}
	}()

	caseCtx := ctx
	if req.CaseTimeout > 0 {
		var cancel context.CancelFunc
		caseCtx, cancel = context.WithTimeout(ctx, req.CaseTimeout)
		defer cancel()
	}

	if req.ExecCommand != "" {
		return r.runExecMode(caseCtx, log, id, req)
	}
	return r.runOneShot(caseCtx, log, id, req)
}

func (r *Runner) ensureImage(ctx domain.Context, log *slog.Logger, ref, policy string) error {
	switch policy {
	case PullNever:
		return nil
	case PullIfNotPresent:
		if _, _, err := r.cli.ImageInspectWithRaw(ctx, ref); err == nil {
			return nil
		}
	}

	pullCtx, cancel := context.WithTimeout(ctx, r.pullTimeout)
	defer cancel()
	rc, err := r.cli.ImagePull(pullCtx, ref, image.PullOptions{})
	if err == nil {
		_, err = io.Copy(io.Discard, rc)
		_ = rc.Close()
	}
	if err != nil {
		if _, _, inspectErr := r.cli.ImageInspectWithRaw(ctx, ref); inspectErr == nil {
			log.Warn("E_DOCKER_PULL_FAILED_USE_LOCAL: pull failed, using local image",
				slog.String("image", ref), slog.Any("error", err))
			return nil
		}
		return fmt.Errorf("E_DOCKER_PULL_FAILED: op=docker.pull image=%s: %w", ref, err)
	}
	return nil
}

func (r *Runner) createAndStart(ctx domain.Context, req domain.ContainerRequest) (string, error) {
	cfg := &container.Config{Image: req.Image, Env: envSlice(req.Env)}
	if req.Command != "" {
		cfg.Cmd = []string{"sh", "-lc", req.Command}
	}
	hostCfg := &container.HostConfig{
		// Lets containerized agents reach the embedded collector and the
		// mock gateway on the worker host.
		ExtraHosts: []string{"host.docker.internal:host-gateway"},
	}
	if req.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(req.Network)
	}

	created, err := r.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, req.Name)
	if err != nil {
		return "", fmt.Errorf("E_DOCKER_CREATE_FAILED: op=docker.create name=%s: %w", req.Name, err)
	}
	if err := r.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		_ = r.cli.ContainerRemove(rmCtx, created.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("E_DOCKER_START_FAILED: op=docker.start name=%s: %w", req.Name, err)
	}
	return created.ID, nil
}

func (r *Runner) runOneShot(ctx domain.Context, log *slog.Logger, id string, req domain.ContainerRequest) (domain.ContainerResult, error) {
	res := domain.ContainerResult{ExitCode: -1}
	phase(req, domain.PhaseCaseExec)
	execStart := time.Now()

	waitCh, errCh := r.cli.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		res.Logs = r.containerLogs(context.WithoutCancel(ctx), id)
		return res, fmt.Errorf("E_CASE_EXEC_TIMEOUT: op=docker.wait name=%s: %w", req.Name, ctx.Err())
	case err := <-errCh:
		res.Logs = r.containerLogs(context.WithoutCancel(ctx), id)
		return res, fmt.Errorf("op=docker.wait name=%s: %w", req.Name, err)
	case status := <-waitCh:
		res.ExitCode = int(status.StatusCode)
	}
	res.CaseExecMS = time.Since(execStart).Milliseconds()
	res.Logs = r.containerLogs(ctx, id)

	if res.ExitCode != 0 {
		log.Warn("case container exited non-zero",
			slog.String("container", req.Name), slog.Int("exit_code", res.ExitCode))
	}
	return res, nil
}

func (r *Runner) runExecMode(ctx domain.Context, log *slog.Logger, id string, req domain.ContainerRequest) (domain.ContainerResult, error) {
	res := domain.ContainerResult{ExitCode: -1}

	phase(req, domain.PhaseSandboxConnect)
	connectStart := time.Now()
	if err := r.waitRunning(ctx, id, req); err != nil {
		res.Logs = r.containerLogs(context.WithoutCancel(ctx), id)
		return res, err
	}
	res.SandboxConnectMS = time.Since(connectStart).Milliseconds()

	phase(req, domain.PhaseCaseExec)
	execStart := time.Now()
	out, exitCode, err := r.execWithRetry(ctx, id, req)
	res.CaseExecMS = time.Since(execStart).Milliseconds()
	sections := []string{"[case-exec]\n" + out}
	if err != nil {
		res.Logs = joinSections(sections, r.containerLogs(context.WithoutCancel(ctx), id))
		return res, err
	}
	res.ExitCode = exitCode

	if exitCode == 0 && req.AfterExecCommand != "" {
		afterOut, afterCode, err := r.exec(ctx, id, req.AfterExecCommand)
		if err != nil {
			log.Warn("after-exec command failed", slog.String("container", req.Name), slog.Any("error", err))
		} else {
			sections = append(sections, "[after-exec]\n"+afterOut)
			if afterCode != 0 {
				log.Warn("after-exec exited non-zero",
					slog.String("container", req.Name), slog.Int("exit_code", afterCode))
			}
		}
	}

	res.Logs = joinSections(sections, r.containerLogs(ctx, id))
	return res, nil
}

// waitRunning polls inspect until the container reports running. A
// container that dies while starting fails fast instead of burning the
// whole startup window.
func (r *Runner) waitRunning(ctx domain.Context, id string, req domain.ContainerRequest) error {
	timeout := req.StartupTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	interval := req.StartupPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		ictx, cancel := context.WithTimeout(ctx, r.inspectTimeout)
		info, err := r.cli.ContainerInspect(ictx, id)
		cancel()
		if err != nil {
			return fmt.Errorf("op=docker.inspect name=%s: %w", req.Name, err)
		}
		if info.State != nil {
			if info.State.Running {
				return nil
			}
			if info.State.Status == "exited" || info.State.Status == "dead" {
				return fmt.Errorf("E_DOCKER_SANDBOX_DIED: op=docker.startup name=%s exit_code=%d: %w",
					req.Name, info.State.ExitCode, domain.ErrInternal)
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("E_DOCKER_STARTUP_TIMEOUT: op=docker.startup name=%s timeout=%s: %w",
				req.Name, timeout, domain.ErrInternal)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("op=docker.startup name=%s: %w", req.Name, ctx.Err())
		case <-time.After(interval):
		}
	}
}

// execWithRetry reruns the case command while the sandbox is still refusing
// connections. Sandbox servers routinely report running before they listen.
func (r *Runner) execWithRetry(ctx domain.Context, id string, req domain.ContainerRequest) (string, int, error) {
	timeout := req.StartupTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	interval := req.StartupPollInterval
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	for {
		out, exitCode, err := r.exec(ctx, id, req.ExecCommand)
		if err != nil {
			return out, exitCode, err
		}
		if exitCode == 0 || !connectionRefused(out, exitCode) || time.Now().After(deadline) {
			return out, exitCode, nil
		}
		select {
		case <-ctx.Done():
			return out, exitCode, fmt.Errorf("E_CASE_EXEC_TIMEOUT: op=docker.exec name=%s: %w", req.Name, ctx.Err())
		case <-time.After(interval):
		}
	}
}

func (r *Runner) exec(ctx domain.Context, id, command string) (string, int, error) {
	created, err := r.cli.ContainerExecCreate(ctx, id, container.ExecOptions{
		Cmd:          []string{"sh", "-lc", command},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", -1, fmt.Errorf("E_DOCKER_EXEC_FAILED: op=docker.exec_create: %w", err)
	}

	attach, err := r.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return "", -1, fmt.Errorf("E_DOCKER_EXEC_FAILED: op=docker.exec_attach: %w", err)
	}
	defer attach.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attach.Reader); err != nil {
		if ctx.Err() != nil {
			return stdout.String(), -1, fmt.Errorf("E_CASE_EXEC_TIMEOUT: op=docker.exec: %w", ctx.Err())
		}
		return stdout.String(), -1, fmt.Errorf("E_DOCKER_EXEC_FAILED: op=docker.exec_read: %w", err)
	}

	inspect, err := r.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return stdout.String(), -1, fmt.Errorf("E_DOCKER_EXEC_FAILED: op=docker.exec_inspect: %w", err)
	}

	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n[stderr]\n" + stderr.String()
	}
	return out, inspect.ExitCode, nil
}

func (r *Runner) containerLogs(ctx domain.Context, id string) string {
	rc, err := r.cli.ContainerLogs(ctx, id, container.LogsOptions{ShowStdout: true, ShowStderr: true, Tail: "500"})
	if err != nil {
		return ""
	}
	defer func() { _ = rc.Close() }()
	var stdout, stderr bytes.Buffer
	_, _ = stdcopy.StdCopy(&stdout, &stderr, rc)
	out := stdout.String()
	if stderr.Len() > 0 {
		out += "\n" + stderr.String()
	}
	return out
}

func connectionRefused(out string, exitCode int) bool {
	if exitCode == 7 { // curl: failed to connect
		return true
	}
	lower := strings.ToLower(out)
	return strings.Contains(lower, "connection refused") ||
		strings.Contains(lower, "curl: (7)") ||
		strings.Contains(lower, "failed to connect") ||
		strings.Contains(lower, "couldn't connect to server") ||
		strings.Contains(lower, "econnrefused")
}

func phase(req domain.ContainerRequest, p domain.ContainerPhase) {
	if req.OnPhase != nil {
		req.OnPhase(p)
	}
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func joinSections(sections []string, containerLogs string) string {
	if containerLogs != "" {
		sections = append(sections, "[container]\n"+containerLogs)
	}
	return strings.Join(sections, "\n")
}
