// Package controller is the top of the process tree (SPEC_FULL.md §4.6):
// it owns the zygote, the id allocator pools, and every live Sandbox's
// rendezvous connection. It is the only package callers of this daemon
// talk to directly.
package controller

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/nickelpack/nck/internal/idalloc"
	"github.com/nickelpack/nck/internal/proto"
	"github.com/nickelpack/nck/internal/store"
	"github.com/nickelpack/nck/internal/transport"
)

const zygoteSubcommand = "__zygote"

// Controller bootstraps and owns the single zygote process this daemon
// instance forks, plus the uid/gid allocator pools backing every
// sandbox's user namespace mapping.
type Controller struct {
	uids *idalloc.Pool
	gids *idalloc.Pool
	quad *idalloc.Quadrupler

	runtimeDir string
	store      *store.Store

	mu         sync.Mutex
	zygoteConn *transport.Conn
	zygoteProc *os.Process
}

// New bootstraps the zygote. It must be called before the process
// spawns any other goroutines that would bloat the address space the
// zygote's clone() duplicates (SPEC_FULL.md §4.3). storeDir roots the
// content-addressed store every sandbox's rootfs binds read-only
// (SPEC_FULL.md §3); pass "" to build sandboxes without a store mount.
func New(runtimeDir, storeDir string, uidMin, uidMax, gidMin, gidMax uint32) (*Controller, error) {
	uids, err := idalloc.NewPool(uidMin, uidMax)
	if err != nil {
		return nil, fmt.Errorf("controller: uid pool: %w", err)
	}
	gids, err := idalloc.NewPool(gidMin, gidMax)
	if err != nil {
		return nil, fmt.Errorf("controller: gid pool: %w", err)
	}

	if err := os.MkdirAll(runtimeDir, 0o700); err != nil {
		return nil, fmt.Errorf("controller: creating runtime dir: %w", err)
	}

	var st *store.Store
	if storeDir != "" {
		st, err = store.New(storeDir)
		if err != nil {
			return nil, fmt.Errorf("controller: %w", err)
		}
	}

	c := &Controller{
		uids:       uids,
		gids:       gids,
		quad:       idalloc.NewQuadrupler(uids, gids),
		runtimeDir: runtimeDir,
		store:      st,
	}

	if err := c.bootstrapZygote(); err != nil {
		return nil, err
	}
	return c, nil
}

// bootstrapZygote forks the daemon binary into the __zygote subcommand
// over a freshly created rendezvous socket, then dials it as a client.
func (c *Controller) bootstrapZygote() error {
	sockPath := filepath.Join(c.runtimeDir, "zygote.sock")
	os.Remove(sockPath)

	listener, err := net.Listen("unix", sockPath)
	if err != nil {
		return fmt.Errorf("controller: listening for zygote rendezvous: %w", err)
	}
	defer listener.Close()

	selfExe := os.Getenv("NCKD_SELF_EXE")
	if selfExe == "" {
		selfExe, err = os.Executable()
		if err != nil {
			return fmt.Errorf("controller: resolving self executable: %w", err)
		}
	}

	cmd := exec.Command(selfExe, zygoteSubcommand)
	cmd.Env = append(os.Environ(), "NCKD_ZYGOTE_RENDEZVOUS_SOCKET="+sockPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Pdeathsig: syscall.SIGKILL}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("controller: starting zygote: %w", err)
	}

	acceptDone := make(chan struct{})
	var conn net.Conn
	var acceptErr error
	go func() {
		conn, acceptErr = listener.Accept()
		close(acceptDone)
	}()

	select {
	case <-acceptDone:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
		return fmt.Errorf("controller: zygote never connected to rendezvous socket")
	}
	if acceptErr != nil {
		return fmt.Errorf("controller: accepting zygote connection: %w", acceptErr)
	}

	c.zygoteConn = transport.NewConn(conn, log.Fields{"component": "controller", "peer": "zygote"})
	c.zygoteProc = cmd.Process
	return nil
}

// NewSandbox allocates a fresh id quadruple, asks the zygote to spawn a
// supervisor/sandbox pair, and dials the resulting rendezvous socket,
// returning a live Sandbox handle.
func (c *Controller) NewSandbox(ctx context.Context) (*Sandbox, error) {
	name := uuid.NewString()

	quad, err := c.quad.Allocate(ctx)
	if err != nil {
		return nil, fmt.Errorf("controller: allocating id quadruple: %w", err)
	}

	req := proto.SpawnRequest{
		Name:    name,
		RootUID: quad.RootUID,
		RootGID: quad.RootGID,
		UserUID: quad.UserUID,
		UserGID: quad.UserGID,
	}
	if c.store != nil {
		req.StorePath = c.store.Root()
	}

	c.mu.Lock()
	zc := c.zygoteConn
	c.mu.Unlock()

	resp, err := transport.RequestResult[proto.SpawnRequest, proto.SpawnResponse](ctx, zc, req)
	if err != nil {
		c.quad.Release(quad)
		return nil, fmt.Errorf("controller: spawn %q: %w", name, err)
	}

	conn, err := net.DialTimeout("unix", resp.ControllerRendezvousSocket, 5*time.Second)
	if err != nil {
		c.quad.Release(quad)
		return nil, fmt.Errorf("controller: dialing sandbox rendezvous: %w", err)
	}

	sb := &Sandbox{
		name:          name,
		conn:          transport.NewConn(conn, log.Fields{"component": "controller", "sandbox": name}),
		supervisorPid: resp.Pid,
		quad:          quad,
		controller:    c,
	}
	return sb, nil
}

// Close tears down the zygote connection and process. Live sandboxes
// are unaffected: each owns its own connection directly to its
// supervisor-spawned sandbox process.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.zygoteConn != nil {
		c.zygoteConn.Close()
	}
	if c.zygoteProc != nil {
		_ = c.zygoteProc.Kill()
	}
	return nil
}

// Sandbox is a controller-side handle to one live sandbox process tree.
type Sandbox struct {
	name          string
	conn          *transport.Conn
	supervisorPid int
	quad          idalloc.Quadruple
	controller    *Controller

	closeOnce sync.Once
}

func call[R any](ctx context.Context, sb *Sandbox, method string, body any) (R, error) {
	var zero R
	payload, err := json.Marshal(body)
	if err != nil {
		return zero, fmt.Errorf("controller: encoding %s request: %w", method, err)
	}
	envelope := struct {
		Method string          `json:"method"`
		Body   json.RawMessage `json:"body"`
	}{Method: method, Body: payload}
	return transport.RequestResult[any, R](ctx, sb.conn, envelope)
}

// IsolateFilesystem asks the sandbox to finish setting up its private
// rootfs view before any directory or file operations are issued.
func (sb *Sandbox) IsolateFilesystem(ctx context.Context) error {
	_, err := call[proto.Empty](ctx, sb, proto.IsolateFilesystem, proto.Empty{})
	return err
}

// CreateDir creates a directory inside the sandbox's rootfs.
func (sb *Sandbox) CreateDir(ctx context.Context, path string, mode uint32) error {
	_, err := call[proto.Empty](ctx, sb, proto.MkDir, proto.MkDirRequest{Path: path, Mode: mode})
	return err
}

// Symlink creates a symlink inside the sandbox's rootfs.
func (sb *Sandbox) Symlink(ctx context.Context, from, to string) error {
	_, err := call[proto.Empty](ctx, sb, proto.Link, proto.LinkRequest{From: from, To: to})
	return err
}

// WriteFile streams the contents of r into a new file at path inside
// the sandbox, using a dedicated stream id for the transfer.
func (sb *Sandbox) WriteFile(ctx context.Context, path string, mode uint32, streamID uint32, chunks <-chan []byte) error {
	if _, err := call[proto.Empty](ctx, sb, proto.BeginFile, proto.BeginFileRequest{
		StreamID: streamID,
		Path:     path,
		Mode:     mode,
	}); err != nil {
		return err
	}

	sender := sb.conn.WriteStream(streamID)
	for chunk := range chunks {
		if err := sender.Send(chunk); err != nil {
			sender.Abort()
			return fmt.Errorf("controller: streaming %s: %w", path, err)
		}
	}
	if err := sender.Close(); err != nil {
		return fmt.Errorf("controller: closing stream for %s: %w", path, err)
	}

	_, err := call[proto.Empty](ctx, sb, proto.EndFile, proto.EndFileRequest{StreamID: streamID})
	return err
}

// Exec runs a program to completion inside the sandbox and returns its
// exit code.
func (sb *Sandbox) Exec(ctx context.Context, path string, argv, env []string, cwd string) (int, error) {
	resp, err := call[proto.ExecResponse](ctx, sb, proto.Exec, proto.ExecRequest{
		Path: path, Argv: argv, Env: env, Cwd: cwd,
	})
	return resp.ExitCode, err
}

// Close tears the sandbox down in the order SPEC_FULL.md §4.6 requires:
// the transport endpoint first (so the sandbox's serve loop sees EOF and
// exits), then the supervisor (whose reap loop forwards the signal and
// waits on the sandbox), and finally the id quadruple is returned to the
// allocator — only once both processes are confirmed gone does reusing
// those ids become safe.
func (sb *Sandbox) Close() error {
	var err error
	sb.closeOnce.Do(func() {
		sb.conn.Close()

		if sb.supervisorPid > 0 {
			if proc, findErr := os.FindProcess(sb.supervisorPid); findErr == nil {
				_ = proc.Signal(syscall.SIGTERM)
				go func() {
					time.Sleep(5 * time.Second)
					_ = proc.Kill()
				}()
			}
		}

		sb.controller.quad.Release(sb.quad)
	})
	return err
}
