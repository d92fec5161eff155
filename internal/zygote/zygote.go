// Package zygote implements the minimal, long-lived child of the
// controller that turns Spawn requests into supervisor/sandbox process
// pairs (SPEC_FULL.md §4.3). It deliberately imports nothing beyond what
// a single clone() needs: no scheduler, no thread pool, so that forking
// this process duplicates the smallest possible address space.
package zygote

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/nickelpack/nck/internal/idmap"
	"github.com/nickelpack/nck/internal/proto"
	"github.com/nickelpack/nck/internal/supervisor"
	"github.com/nickelpack/nck/internal/transport"
)

// EnvRendezvousSocket names the UNIX socket the zygote dials at startup
// to connect back to the controller (SPEC_FULL.md §6).
const EnvRendezvousSocket = "NCKD_ZYGOTE_RENDEZVOUS_SOCKET"

// EnvSelfExe, when set, is the path the zygote re-execs to become a
// supervisor. Defaults to /proc/self/exe.
const EnvSelfExe = "NCKD_SELF_EXE"

const supervisorSubcommand = "__supervisor"

// state is the per-request state machine named in SPEC_FULL.md §4.3. It
// exists purely for logging/observability; control flow is a plain
// sequence of fallible steps.
type state int

const (
	stateIdle state = iota
	stateReceivedSpawn
	stateCloneSupervisor
	stateWriteIDMap
	stateSendProceed
	stateAwaitSupervisorReady
)

// Zygote serves Spawn requests on a single connection back to the
// controller.
type Zygote struct {
	conn *transport.Conn
}

// Dial connects to the controller's rendezvous socket and returns a
// Zygote ready to serve requests.
func Dial(socketPath string) (*Zygote, error) {
	c, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zygote: dialing rendezvous socket: %w", err)
	}
	conn := transport.NewConn(c, log.Fields{"component": "zygote"})
	return &Zygote{conn: conn}, nil
}

// Serve handles Spawn requests until ctx is canceled or the connection
// is aborted.
func (z *Zygote) Serve(ctx context.Context) error {
	for {
		tok, payload, err := z.conn.Next(ctx)
		if err != nil {
			return err
		}

		var req proto.SpawnRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			log.Errorf("zygote: malformed spawn request: %v", err)
			continue
		}

		resp, spawnErr := z.handleSpawn(req)
		if spawnErr != nil {
			log.Errorf("zygote: spawn %q failed: %v", req.Name, spawnErr)
		}
		if err := transport.RespondResult(z.conn, tok, resp, spawnErr); err != nil {
			return fmt.Errorf("zygote: responding to spawn: %w", err)
		}
	}
}

// handleSpawn drives the state machine documented in SPEC_FULL.md §4.3.
func (z *Zygote) handleSpawn(req proto.SpawnRequest) (proto.SpawnResponse, error) {
	st := stateReceivedSpawn
	_ = st

	bootstrap := supervisor.Bootstrap{
		Name:      req.Name,
		RootUID:   req.RootUID,
		RootGID:   req.RootGID,
		UserUID:   req.UserUID,
		UserGID:   req.UserGID,
		StorePath: req.StorePath,
	}
	encoded, err := json.Marshal(bootstrap)
	if err != nil {
		return proto.SpawnResponse{}, fmt.Errorf("zygote: encoding bootstrap: %w", err)
	}

	proceedRead, proceedWrite, err := os.Pipe()
	if err != nil {
		return proto.SpawnResponse{}, fmt.Errorf("zygote: creating proceed pipe: %w", err)
	}
	defer proceedWrite.Close()

	readyRead, readyWrite, err := os.Pipe()
	if err != nil {
		proceedRead.Close()
		return proto.SpawnResponse{}, fmt.Errorf("zygote: creating ready pipe: %w", err)
	}
	defer readyRead.Close()

	st = stateCloneSupervisor
	selfExe := os.Getenv(EnvSelfExe)
	if selfExe == "" {
		selfExe = "/proc/self/exe"
	}
	cmd := exec.Command(selfExe, supervisorSubcommand)
	cmd.Env = append(os.Environ(), supervisor.EnvBootstrap+"="+string(encoded))
	cmd.ExtraFiles = []*os.File{proceedRead, readyWrite}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS,
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		proceedRead.Close()
		readyWrite.Close()
		return proto.SpawnResponse{}, fmt.Errorf("zygote: cloning supervisor: %w", err)
	}
	proceedRead.Close()
	readyWrite.Close()

	st = stateWriteIDMap
	if err := idmap.WriteUIDMap(cmd.Process.Pid, req.RootUID, req.UserUID); err != nil {
		killBestEffort(cmd)
		return proto.SpawnResponse{}, fmt.Errorf("zygote: writing uid map: %w", err)
	}
	if err := idmap.WriteGIDMap(cmd.Process.Pid, req.RootGID, req.UserGID); err != nil {
		killBestEffort(cmd)
		return proto.SpawnResponse{}, fmt.Errorf("zygote: writing gid map: %w", err)
	}

	st = stateSendProceed
	if _, err := proceedWrite.Write([]byte{1}); err != nil {
		killBestEffort(cmd)
		return proto.SpawnResponse{}, fmt.Errorf("zygote: signaling proceed: %w", err)
	}
	proceedWrite.Close()

	st = stateAwaitSupervisorReady
	readyBytes := make([]byte, 4096)
	n, err := readyRead.Read(readyBytes)
	if err != nil || n == 0 {
		killBestEffort(cmd)
		return proto.SpawnResponse{}, fmt.Errorf("zygote: supervisor never became ready: %w", err)
	}

	var ready supervisor.Ready
	if err := json.Unmarshal(readyBytes[:n], &ready); err != nil {
		killBestEffort(cmd)
		return proto.SpawnResponse{}, fmt.Errorf("zygote: decoding supervisor ready message: %w", err)
	}

	// Pid names the supervisor, not the sandbox: the sandbox lives in a
	// pid namespace the supervisor created, so only the supervisor is a
	// meaningful target for the controller to signal directly.
	return proto.SpawnResponse{
		Pid:                        cmd.Process.Pid,
		SandboxPath:                ready.SandboxPath,
		ControllerRendezvousSocket: ready.RendezvousSocket,
	}, nil
}

func killBestEffort(cmd *exec.Cmd) {
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
}
