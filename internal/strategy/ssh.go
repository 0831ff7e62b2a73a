package strategy

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/crypto/ssh"

	"github.com/taskwave/taskwave/internal/envresolve"
	"github.com/taskwave/taskwave/internal/errs"
	"github.com/taskwave/taskwave/internal/model"
	"github.com/taskwave/taskwave/internal/shellprovider"
)

// SSHStrategy builds a remote `ssh user@host -p port "<remote-shell> -c
// '<cmd>'"` invocation, per spec.md §4.4's table row for SSH.
type SSHStrategy struct{}

func (SSHStrategy) Name() string  { return "ssh" }
func (SSHStrategy) Priority() int { return 10 }

func (SSHStrategy) CanHandle(wf model.Workflow, t model.Task) bool {
	return effectiveSSH(wf, t) != nil
}

func effectiveSSH(wf model.Workflow, t model.Task) *model.SSHConfig {
	return wf.SSH.Merge(t.SSH)
}

func (SSHStrategy) BuildConfig(wf model.Workflow, t model.Task, command string, additionalEnv map[string]string) (ExecutionConfig, error) {
	cfg := effectiveSSH(wf, t)
	if cfg == nil {
		return ExecutionConfig{}, fmt.Errorf("ssh strategy selected for task %q with no effective ssh config", t.ID)
	}

	remoteShell := cfg.RemoteShell
	if remoteShell == "" {
		remoteShell = "sh"
	}
	sh, err := shellprovider.Resolve(remoteShell)
	if err != nil {
		return ExecutionConfig{}, err
	}

	argv := []string{}
	if cfg.IdentityFile != "" {
		argv = append(argv, "-i", cfg.IdentityFile)
	}
	if cfg.Port != 0 {
		argv = append(argv, "-p", strconv.Itoa(cfg.Port))
	}
	argv = append(argv, cfg.ExtraArgs...)

	target := cfg.Host
	if cfg.User != "" {
		target = cfg.User + "@" + cfg.Host
	}
	argv = append(argv, target)

	// Env isolation (spec.md §4.4): declared-only layering, no host env.
	env := envresolve.Resolve(false, mergeMaps(wf.Environment, additionalEnv), t.Environment)

	remoteArgs := sh.BuildArgs(command)
	remoteCommand := remoteShell
	for _, a := range remoteArgs {
		remoteCommand += " " + shellQuote(a)
	}
	argv = append(argv, remoteCommand)

	return ExecutionConfig{
		Executable: "ssh",
		Argv:       argv,
		Env:        env,
		WorkingDir: t.WorkingDir,
	}, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// Preflight dials and handshakes the target host using the configured
// identity, confirming reachability before the task is scheduled, without
// running any command — the actual invocation still goes through the
// system ssh binary via the process runner. Grounded on
// 88lin-divinesense's use of golang.org/x/crypto/ssh. Only runs when the
// effective config opts in via VerifyReachable.
func (SSHStrategy) Preflight(ctx context.Context, wf model.Workflow, t model.Task) error {
	cfg := effectiveSSH(wf, t)
	if cfg == nil || !cfg.VerifyReachable {
		return nil
	}

	authMethod, err := sshAuthMethod(cfg.IdentityFile)
	if err != nil {
		return &errs.TaskExecution{TaskID: t.ID, Inner: fmt.Errorf("ssh preflight auth setup: %w", err)}
	}

	port := cfg.Port
	if port == 0 {
		port = 22
	}
	addr := net.JoinHostPort(cfg.Host, strconv.Itoa(port))

	clientCfg := &ssh.ClientConfig{
		User:            cfg.User,
		Auth:            []ssh.AuthMethod{authMethod},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(), // reachability probe only, never used to run commands
		Timeout:         5 * time.Second,
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	dialErr := backoff.Retry(func() error {
		conn, err := ssh.Dial("tcp", addr, clientCfg)
		if err != nil {
			return err
		}
		return conn.Close()
	}, bo)
	if dialErr != nil {
		return &errs.TaskExecution{TaskID: t.ID, Inner: fmt.Errorf("ssh preflight dial %q failed: %w", addr, dialErr)}
	}
	return nil
}

func sshAuthMethod(identityFile string) (ssh.AuthMethod, error) {
	if identityFile == "" {
		return nil, fmt.Errorf("ssh preflight requires an identity_file")
	}
	key, err := os.ReadFile(identityFile)
	if err != nil {
		return nil, fmt.Errorf("reading identity file: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("parsing identity file: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}
