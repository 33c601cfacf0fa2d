package probe

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/lbald/internal/monitor/status"
	"github.com/sabouaram/lbald/internal/monitor/types"
)

// runCommand runs an external command on an interval and treats its exit
// status as the health signal, grounded on
// original_source/pybal/monitors/runcommand.py's RunCommandMonitoringProtocol
// and its ProcessGroupProcess helper. The child is placed in its own
// process group (Setpgid) so a timeout or Stop can kill the whole group,
// not just the immediate child, matching processEnded's pgid SIGKILL sweep.
type runCommand struct {
	base
	ip   string
	port int
}

// NewRunCommand builds the RunCommand probe for one backend.
func NewRunCommand(ip string, port int, cfg types.Config) types.Monitor {
	m := &runCommand{ip: ip, port: port}
	_ = m.SetConfig(cfg)
	return m
}

func (m *runCommand) Name() string { return "RunCommand" }

func (m *runCommand) Start(ctx context.Context) (<-chan types.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.markRunning(true)

	ch := make(chan types.Report, 8)
	go m.run(ctx, ch)
	return ch, nil
}

func (m *runCommand) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.markRunning(false)
}

func (m *runCommand) run(ctx context.Context, ch chan<- types.Report) {
	defer close(ch)

	t := time.NewTicker(m.interval())
	defer t.Stop()

	m.runOnce(ctx, ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.runOnce(ctx, ch)
		}
	}
}

// expandArgs substitutes {ip} and {port} placeholders with the backend's
// address, the supplement to pybal's locals={'server': server} templating
// (which relies on Python's ast.literal_eval over an f-string-like
// expression; this is the idiomatic Go equivalent: a plain substitution).
func expandArgs(args []string, ip string, port int) []string {
	out := make([]string, len(args))
	for i, a := range args {
		a = strings.ReplaceAll(a, "{ip}", ip)
		a = strings.ReplaceAll(a, "{port}", strconv.Itoa(port))
		out[i] = a
	}
	return out
}

func (m *runCommand) runOnce(ctx context.Context, ch chan<- types.Report) {
	cfg := m.GetConfig()
	command := extraString(cfg, "command", "")
	if command == "" {
		report(ch, status.KO, "no command configured")
		return
	}
	args := expandArgs(extraStrings(cfg, "arguments"), m.ip, m.port)
	logOutput := extraBool(cfg, "log-output", true)

	runCtx, cancel := context.WithTimeout(ctx, m.timeout())
	defer cancel()

	cmd := exec.CommandContext(runCtx, command, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		report(ch, status.KO, "setup failed: "+err.Error())
		return
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		report(ch, status.KO, "start failed: "+err.Error())
		return
	}

	if logOutput {
		go func() {
			scanner := bufio.NewScanner(stdout)
			for scanner.Scan() {
				if cfg.Logger != nil {
					cfg.Logger.Info("command %s output: %s", command, strconv.Quote(scanner.Text()))
				}
			}
		}()
	}

	err = cmd.Wait()
	// Sweep the child's process group after every run, whether it exited,
	// timed out or was cancelled by Stop, so nothing it spawned outlives it.
	m.killGroup(cmd)

	if runCtx.Err() == context.DeadlineExceeded {
		report(ch, status.KO, fmt.Sprintf("command %s timed out", command))
		return
	}

	if err != nil {
		report(ch, status.KO, fmt.Sprintf("command %s %v terminated: %v", command, args, err))
		return
	}
	report(ch, status.OK, fmt.Sprintf("command %s %v exited cleanly", command, args))
}

// killGroup sends SIGKILL to the whole process group, mirroring
// processEnded's "mass slaughter" sweep for leftover children.
func (m *runCommand) killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	// Setpgid makes the child's pid its process group id; asking Getpgid
	// would fail here, since Wait has already reaped the child.
	_ = unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
}
