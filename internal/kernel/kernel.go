// Package kernel drives the Linux IPVS table via ipvsadm(8), grounded on
// original_source/pybal/ipvs.py's IPVSManager/LVSService command builders.
package kernel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"

	"github.com/sabouaram/lbald/internal/lberr"
	"github.com/sabouaram/lbald/internal/logging"
)

// FwMethod is the IPVS forwarding method for a real server entry.
type FwMethod string

const (
	FwMethodGate   FwMethod = "gate" // direct routing, ipvsadm -g
	FwMethodMasq   FwMethod = "masq" // NAT, ipvsadm -m
	FwMethodTunnel FwMethod = "ipip" // IP-IP tunnel, ipvsadm -i
)

// Real is one real-server entry of a virtual service.
type Real struct {
	IP       string
	Port     int
	Weight   int
	FwMethod FwMethod
}

// Service is a virtual service (VIP:port/protocol) and the real servers
// currently assigned to it.
type Service struct {
	VIP      string
	Port     int
	Protocol string // "tcp" or "udp"
	Scheduler string // e.g. "wrr"
	Reals    []Real
}

// addrArg formats an address for ipvsadm, bracketing IPv6 literals the way
// ipvs.py's buildServiceArgs does.
func addrArg(ip string, port int) string {
	if strings.Contains(ip, ":") {
		return fmt.Sprintf("[%s]:%d", ip, port)
	}
	return fmt.Sprintf("%s:%d", ip, port)
}

func protoFlag(protocol string) string {
	if strings.EqualFold(protocol, "udp") {
		return "-u"
	}
	return "-t"
}

func fwFlag(m FwMethod, log logging.Logger) string {
	switch m {
	case FwMethodGate:
		return "-g"
	case FwMethodMasq:
		return "-m"
	case FwMethodTunnel:
		return "-i"
	default:
		if log != nil {
			log.Warning("unknown forwarding method %q, falling back to gatewaying (-g)", string(m))
		}
		return "-g"
	}
}

// Driver executes ipvsadm commands, skipping execution when DryRun is set
// (used by the --dryrun CLI flag and by tests); every command is appended to
// Recorded in either mode.
type Driver struct {
	DryRun  bool
	Logger  logging.Logger
	Recorded []string
}

// apply batches cmds into a single ipvsadm -R invocation, writing each
// command newline-separated to its stdin, matching ipvs.py's
// IPVSManager.modifyState: one process per apply, not one per command.
func (d *Driver) apply(ctx context.Context, cmds ...string) error {
	for _, c := range cmds {
		if d.Logger != nil {
			d.Logger.Debug("ipvsadm -R: %s", c)
		}
		d.Recorded = append(d.Recorded, c)
	}
	if d.DryRun || len(cmds) == 0 {
		return nil
	}

	cmd := exec.CommandContext(ctx, "ipvsadm", "-R")
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return lberr.Wrap(lberr.CodeKernelApply, "ipvsadm -R", err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return lberr.Wrap(lberr.CodeKernelApply, "ipvsadm -R", err)
	}
	for _, c := range cmds {
		if _, err := io.WriteString(stdin, c+"\n"); err != nil {
			stdin.Close()
			return lberr.Wrap(lberr.CodeKernelApply, "ipvsadm -R", err)
		}
	}
	stdin.Close()
	if err := cmd.Wait(); err != nil {
		return lberr.Wrap(lberr.CodeKernelApply, "ipvsadm -R "+strings.Join(cmds, "; ")+": "+stderr.String(), err)
	}
	return nil
}

func addServiceCmd(svc Service) string {
	args := []string{"-A", protoFlag(svc.Protocol), addrArg(svc.VIP, svc.Port)}
	if svc.Scheduler != "" {
		args = append(args, "-s", svc.Scheduler)
	}
	return strings.Join(args, " ")
}

func deleteServiceCmd(svc Service) string {
	return strings.Join([]string{"-D", protoFlag(svc.Protocol), addrArg(svc.VIP, svc.Port)}, " ")
}

func addServerCmd(svc Service, r Real, log logging.Logger) string {
	return strings.Join([]string{"-a", protoFlag(svc.Protocol), addrArg(svc.VIP, svc.Port),
		"-r", addrArg(r.IP, r.Port), fwFlag(r.FwMethod, log), "-w", fmt.Sprintf("%d", r.Weight)}, " ")
}

func editServerCmd(svc Service, r Real, log logging.Logger) string {
	return strings.Join([]string{"-e", protoFlag(svc.Protocol), addrArg(svc.VIP, svc.Port),
		"-r", addrArg(r.IP, r.Port), fwFlag(r.FwMethod, log), "-w", fmt.Sprintf("%d", r.Weight)}, " ")
}

func removeServerCmd(svc Service, r Real) string {
	return strings.Join([]string{"-d", protoFlag(svc.Protocol), addrArg(svc.VIP, svc.Port),
		"-r", addrArg(r.IP, r.Port)}, " ")
}

// AddService adds a new virtual service to the kernel table (ipvsadm -A).
func (d *Driver) AddService(ctx context.Context, svc Service) error {
	return d.apply(ctx, addServiceCmd(svc))
}

// DeleteService removes a virtual service entirely (ipvsadm -D).
func (d *Driver) DeleteService(ctx context.Context, svc Service) error {
	return d.apply(ctx, deleteServiceCmd(svc))
}

// AddServer adds one real server to a virtual service (ipvsadm -a).
func (d *Driver) AddServer(ctx context.Context, svc Service, r Real) error {
	return d.apply(ctx, addServerCmd(svc, r, d.Logger))
}

// EditServer updates an existing real server's weight/fwmethod (ipvsadm -e).
func (d *Driver) EditServer(ctx context.Context, svc Service, r Real) error {
	return d.apply(ctx, editServerCmd(svc, r, d.Logger))
}

// RemoveServer removes a real server from a virtual service (ipvsadm -d).
func (d *Driver) RemoveServer(ctx context.Context, svc Service, r Real) error {
	return d.apply(ctx, removeServerCmd(svc, r))
}

// Reconcile computes the diff between the desired Service state and the
// currently-applied one, then issues the minimal set of ipvsadm commands in
// a single -R batch, in the order the spec's coordinator reconciliation
// fixes: adds for (new - old), edits for (new ∩ old), removes for
// (old - new) — mirroring ipvs.py's LVSService.assignServers batch-apply,
// with adds and edits ahead of removes so a server moving between two keys
// in the same batch is never left briefly absent from the table.
func (d *Driver) Reconcile(ctx context.Context, current, desired Service) error {
	curByKey := realsByKey(current.Reals)
	desByKey := realsByKey(desired.Reals)

	var cmds []string
	for key, r := range desByKey {
		if _, existed := curByKey[key]; !existed {
			cmds = append(cmds, addServerCmd(desired, r, d.Logger))
		}
	}

	for key, r := range desByKey {
		old, existed := curByKey[key]
		if existed && (old.Weight != r.Weight || old.FwMethod != r.FwMethod) {
			cmds = append(cmds, editServerCmd(desired, r, d.Logger))
		}
	}

	for key, r := range curByKey {
		if _, stillWanted := desByKey[key]; !stillWanted {
			cmds = append(cmds, removeServerCmd(desired, r))
		}
	}

	return d.apply(ctx, cmds...)
}

func realsByKey(reals []Real) map[string]Real {
	m := make(map[string]Real, len(reals))
	for _, r := range reals {
		m[realKey(r)] = r
	}
	return m
}

func realKey(r Real) string {
	return net.JoinHostPort(r.IP, fmt.Sprintf("%d", r.Port))
}
