// Package supervisor implements the second process in the controller ->
// zygote -> supervisor -> sandbox tree (SPEC_FULL.md §4.4). A supervisor
// owns exactly one sandbox: it creates the tmpfs working directory and a
// detached-mount sentinel, places the sandbox in a cgroup, reaps it, and
// guarantees the working directory outlives the sandbox process but not
// the supervisor itself.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/containerd/cgroups"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nickelpack/nck/internal/procutil"
)

// EnvBootstrap carries the JSON-encoded Bootstrap the zygote hands to a
// freshly cloned supervisor process.
const EnvBootstrap = "NCKD_SUPERVISOR_BOOTSTRAP"

const sandboxSubcommand = "__sandbox"

// proceedFD and readyFD are the well-known ExtraFiles slots the zygote
// wires up: 3 is the "id map written, proceed" signal, 4 is where this
// process writes its Ready message back.
const (
	proceedFD = 3
	readyFD   = 4
)

// Bootstrap is handed from the zygote to the supervisor over the
// environment, since the two do not yet share a transport connection at
// clone time.
type Bootstrap struct {
	Name    string
	RootUID uint32
	RootGID uint32
	UserUID uint32
	UserGID uint32
	// StorePath, when non-empty, is forwarded to the sandbox process so
	// its rootfs builder binds the store read-only (SPEC_FULL.md §3).
	StorePath string
}

// Ready is handed back from the supervisor to the zygote once the
// sandbox has been cloned and is ready to accept a rendezvous
// connection from the controller.
type Ready struct {
	SandboxPid       int
	SandboxPath      string
	RendezvousSocket string
}

// Main is the entry point invoked when this binary is re-exec'd with the
// __supervisor subcommand, already running inside the new user and
// mount namespaces the zygote's clone() created.
func Main() error {
	encoded := os.Getenv(EnvBootstrap)
	if encoded == "" {
		return fmt.Errorf("supervisor: missing %s", EnvBootstrap)
	}
	var bs Bootstrap
	if err := json.Unmarshal([]byte(encoded), &bs); err != nil {
		return fmt.Errorf("supervisor: decoding bootstrap: %w", err)
	}

	proceed := os.NewFile(uintptr(proceedFD), "proceed")
	ready := os.NewFile(uintptr(readyFD), "ready")
	defer ready.Close()

	// Block until the zygote has written our uid/gid map; until then we
	// hold no identity in the new user namespace at all.
	buf := make([]byte, 1)
	if _, err := proceed.Read(buf); err != nil {
		return fmt.Errorf("supervisor: waiting for proceed signal: %w", err)
	}
	proceed.Close()

	if err := unix.Setresgid(int(bs.RootGID), int(bs.RootGID), int(bs.RootGID)); err != nil {
		return fmt.Errorf("supervisor: setresgid: %w", err)
	}
	if err := unix.Setresuid(int(bs.RootUID), int(bs.RootUID), int(bs.RootUID)); err != nil {
		return fmt.Errorf("supervisor: setresuid: %w", err)
	}

	workDir, cleanup, err := mountWorkDir(bs.Name)
	if err != nil {
		return fmt.Errorf("supervisor: preparing working directory: %w", err)
	}
	defer cleanup()

	cg, err := placeCgroup(bs.Name)
	if err != nil {
		log.WithField("sandbox", bs.Name).Warnf("supervisor: cgroup placement unavailable: %v", err)
	}

	rendezvousPath := filepath.Join(workDir, "rendezvous.sock")
	sandboxCmd, err := cloneSandbox(workDir, rendezvousPath, bs.StorePath)
	if err != nil {
		return fmt.Errorf("supervisor: cloning sandbox: %w", err)
	}
	handle := procutil.NewHandle(sandboxCmd.Process)

	if cg != nil {
		if err := cg.Add(cgroups.Process{Pid: handle.Pid}); err != nil {
			log.WithField("sandbox", bs.Name).Warnf("supervisor: adding sandbox to cgroup: %v", err)
		}
	}

	readyMsg, err := json.Marshal(Ready{
		SandboxPid:       handle.Pid,
		SandboxPath:      workDir,
		RendezvousSocket: rendezvousPath,
	})
	if err != nil {
		handle.Kill(context.Background())
		return fmt.Errorf("supervisor: encoding ready message: %w", err)
	}
	if _, err := ready.Write(readyMsg); err != nil {
		handle.Kill(context.Background())
		return fmt.Errorf("supervisor: sending ready message: %w", err)
	}
	ready.Close()

	return reap(handle, cg)
}

// mountWorkDir creates a detached tmpfs mount and a sentinel file whose
// open fd keeps the mount alive exactly as long as this supervisor
// process is (SPEC_FULL.md §4.4 step 2): once the supervisor exits, its
// fd table is closed and the kernel frees the unreferenced mount, so the
// working directory never needs explicit cleanup on the happy path.
func mountWorkDir(name string) (string, func(), error) {
	dir := filepath.Join(os.TempDir(), "nckd-sandbox-"+name)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	if err := unix.Mount("tmpfs", dir, "tmpfs", 0, "mode=0700"); err != nil {
		return "", nil, fmt.Errorf("mounting tmpfs at %s: %w", dir, err)
	}

	sentinel, err := os.Create(filepath.Join(dir, ".sentinel"))
	if err != nil {
		_ = unix.Unmount(dir, 0)
		return "", nil, fmt.Errorf("creating sentinel: %w", err)
	}
	// Detach the mount from the namespace's tree; the sentinel's open fd
	// is now the only thing keeping it alive.
	if err := unix.Unmount(dir, unix.MNT_DETACH); err != nil {
		sentinel.Close()
		return "", nil, fmt.Errorf("detaching mount at %s: %w", dir, err)
	}

	return dir, func() {
		sentinel.Close()
		os.RemoveAll(dir)
	}, nil
}

// placeCgroup creates a placement-only cgroup for the sandbox (no
// resource limits, per SPEC_FULL.md §4.4 Non-goals) using
// containerd/cgroups, the same library runsc's cgroup integration is
// built on.
func placeCgroup(name string) (cgroups.Cgroup, error) {
	path := cgroups.StaticPath(filepath.Join("/nckd", name))
	cg, err := cgroups.New(cgroups.V1, path, &specs.LinuxResources{})
	if err != nil {
		return nil, err
	}
	return cg, nil
}

// cloneSandbox starts the sandbox process in new PID, UTS, cgroup, and
// IPC namespaces, inheriting the user and mount namespaces this
// supervisor already joined.
func cloneSandbox(workDir, rendezvousPath, storePath string) (*exec.Cmd, error) {
	selfExe := os.Getenv("NCKD_SELF_EXE")
	if selfExe == "" {
		selfExe = "/proc/self/exe"
	}
	cmd := exec.Command(selfExe, sandboxSubcommand)
	cmd.Env = append(os.Environ(),
		"NCKD_SANDBOX_WORKDIR="+workDir,
		"NCKD_SANDBOX_RENDEZVOUS="+rendezvousPath,
		"NCKD_SANDBOX_STOREPATH="+storePath,
	)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Cloneflags: syscall.CLONE_NEWPID | syscall.CLONE_NEWUTS | syscall.CLONE_NEWCGROUP | syscall.CLONE_NEWIPC,
	}
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return cmd, nil
}

// reap waits for the sandbox to exit, handling the signals a supervisor
// must forward or act on (SPEC_FULL.md §4.4 step 5), and guarantees the
// child is reaped before this function (and thus the process, and its
// mount sentinel) returns.
//
// The actual waitpid(-1, WNOHANG) this step describes happens inside
// handle.Wait(), started on its own goroutine the moment the sandbox is
// cloned: letting Go's os.Process own the one wait4() call on this pid
// avoids racing a second, hand-rolled syscall.Wait4 against it, which
// would otherwise compete for the same child's exit status and risk an
// ECHILD on whichever call loses. SIGCHLD itself carries no information
// here — it only wakes this select loop up, same as any other signal —
// so it's otherwise ignored; the real reap is the waitDone case.
func reap(handle *procutil.Handle, cg cgroups.Cgroup) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	waitDone := make(chan error, 1)
	go func() { waitDone <- handle.Wait() }()

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGCHLD {
				continue
			}
			handle.Kill(context.Background())
		case err := <-waitDone:
			if cg != nil {
				_ = cg.Delete()
			}
			return err
		}
	}
}
