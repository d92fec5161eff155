// Package sandboxproc implements the innermost process in the
// controller -> zygote -> supervisor -> sandbox tree: the one that
// actually pivots into the private rootfs and executes the builder's
// commands (SPEC_FULL.md §4.5). It never runs with a controlling
// terminal and never outlives a single sandbox's lifetime.
package sandboxproc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"unsafe"

	"github.com/syndtr/gocapability/capability"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/nickelpack/nck/internal/bufpool"
	"github.com/nickelpack/nck/internal/proto"
	"github.com/nickelpack/nck/internal/rootfs"
	"github.com/nickelpack/nck/internal/transport"
)

// EnvWorkDir, EnvRendezvous, and EnvStorePath name the environment
// variables the supervisor sets before cloning this process.
const (
	EnvWorkDir    = "NCKD_SANDBOX_WORKDIR"
	EnvRendezvous = "NCKD_SANDBOX_RENDEZVOUS"
	EnvStorePath  = "NCKD_SANDBOX_STOREPATH"
)

// payloadSubcommand is the re-exec target exec() clones into to run the
// builder's command. Capability-dropping happens there, not in this
// long-lived server, so only the program the builder actually asked for
// ever loses capabilities.
const payloadSubcommand = "__payload"

// payloadRequestFD is the well-known fd RunPayload reads its
// payloadRequest from, handed over via cmd.ExtraFiles the same way the
// zygote/supervisor hop passes its proceed/ready pipes.
const payloadRequestFD = 3

// retainedCapabilities are the only capabilities left on the exec'd
// payload process, per SPEC_FULL.md §4.5 step 4: enough to chown/chmod
// files it creates as the in-namespace builder uid, nothing else.
var retainedCapabilities = []capability.Cap{
	capability.CAP_CHOWN,
	capability.CAP_DAC_OVERRIDE,
	capability.CAP_FOWNER,
	capability.CAP_SETUID,
	capability.CAP_SETGID,
}

// Sandbox holds the open file descriptors and directory handles this
// process accumulates between MkDir/Link/BeginFile/EndFile requests.
type Sandbox struct {
	// root is the rootfs directory IsolateFilesystem pivots into; it
	// reads "/" once that pivot has completed.
	root      string
	storePath string

	conn *transport.Conn

	openFiles map[uint32]*pendingFile
}

// pendingFile pairs a file opened by BeginFile with the stream receiver
// filling it, so EndFile can block until every chunk has landed before
// closing the descriptor.
type pendingFile struct {
	f        *os.File
	receiver *transport.StreamReceiver
	drained  chan struct{}
}

// Main is the entry point invoked when this binary is re-exec'd with
// the __sandbox subcommand. It only opens the rendezvous socket and
// starts serving: the rootfs build and pivot_root happen later, inside
// the IsolateFilesystem request handler (SPEC_FULL.md:134), so the
// controller connection exists before the mount namespace this
// process's absolute paths (including the rendezvous socket itself)
// depend on is torn away.
func Main() error {
	name := append([]byte("nck-sandbox"), 0)
	if err := unix.Prctl(unix.PR_SET_NAME, uintptr(unsafe.Pointer(&name[0])), 0, 0, 0); err != nil {
		log.Debugf("sandboxproc: PR_SET_NAME failed: %v", err)
	}
	if err := unix.Sethostname([]byte("localhost")); err != nil {
		log.Debugf("sandboxproc: sethostname failed: %v", err)
	}
	// Disable ASLR so store-cached build outputs are reproducible
	// regardless of the host's layout randomization.
	if _, _, errno := unix.Syscall(unix.SYS_PERSONALITY, unix.ADDR_NO_RANDOMIZE, 0, 0); errno != 0 {
		log.Debugf("sandboxproc: personality(ADDR_NO_RANDOMIZE) failed: %v", errno)
	}

	workDir := os.Getenv(EnvWorkDir)
	rendezvous := os.Getenv(EnvRendezvous)
	if workDir == "" || rendezvous == "" {
		return fmt.Errorf("sandboxproc: missing %s or %s", EnvWorkDir, EnvRendezvous)
	}

	listener, err := net.Listen("unix", rendezvous)
	if err != nil {
		return fmt.Errorf("sandboxproc: listening on rendezvous socket: %w", err)
	}
	defer listener.Close()

	c, err := listener.Accept()
	if err != nil {
		return fmt.Errorf("sandboxproc: accepting controller connection: %w", err)
	}

	sb := &Sandbox{
		root:      filepath.Join(workDir, "root"),
		storePath: os.Getenv(EnvStorePath),
		conn:      transport.NewConn(c, log.Fields{"component": "sandboxproc"}),
		openFiles: make(map[uint32]*pendingFile),
	}
	return sb.serve(context.Background())
}

// isolateFilesystem lays out the private rootfs and pivot_roots into
// it, per SPEC_FULL.md:134. It must be the first request the controller
// issues; every later handler assumes s.root is "/".
func (s *Sandbox) isolateFilesystem() error {
	if err := (&rootfs.Builder{Root: s.root, StorePath: s.storePath}).Build(); err != nil {
		return fmt.Errorf("sandboxproc: building rootfs: %w", err)
	}
	if err := pivot(s.root); err != nil {
		return fmt.Errorf("sandboxproc: pivot_root: %w", err)
	}
	s.root = "/"
	return nil
}

// pivot replaces the process's root with newRoot, per runc/gVisor
// convention: bind-mount newRoot onto itself so it's a mount point,
// chdir into it, pivot_root(".", oldRootName), mark the old root slave
// so its later detach can't propagate to the host, then chdir back to
// the new "/" through an fd opened before the pivot rather than by
// re-resolving the path, and lazily unmount+remove the old root
// (SPEC_FULL.md:134).
func pivot(newRoot string) error {
	newRootFd, err := os.Open(newRoot)
	if err != nil {
		return fmt.Errorf("opening new root: %w", err)
	}
	defer newRootFd.Close()

	if err := unix.Mount(newRoot, newRoot, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind-mounting new root onto itself: %w", err)
	}
	if err := os.Chdir(newRoot); err != nil {
		return fmt.Errorf("chdir into new root: %w", err)
	}
	const oldRootName = ".old_root"
	if err := os.MkdirAll(oldRootName, 0o700); err != nil {
		return fmt.Errorf("creating old root mount point: %w", err)
	}
	if err := unix.PivotRoot(".", oldRootName); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	// pivot_root doesn't invalidate the fd opened before it ran; it now
	// refers to the directory that just became "/".
	if err := unix.Fchdir(int(newRootFd.Fd())); err != nil {
		return fmt.Errorf("fchdir to new root: %w", err)
	}
	if err := unix.Mount("", "/"+oldRootName, "", unix.MS_SLAVE|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("marking old root slave: %w", err)
	}
	if err := unix.Unmount("/"+oldRootName, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmounting old root: %w", err)
	}
	return os.RemoveAll("/" + oldRootName)
}

// serve answers controller RPCs one at a time. SPEC_FULL.md §5 allows at
// most one in-flight request per sandbox process; BeginFile's stream
// drain still runs concurrently on its own goroutine, but the request
// dispatch itself — and the openFiles map it reads and writes — never
// runs on more than one goroutine at a time.
func (s *Sandbox) serve(ctx context.Context) error {
	for {
		tok, payload, err := s.conn.Next(ctx)
		if err != nil {
			return err
		}
		if err := s.dispatch(ctx, tok, payload); err != nil {
			return err
		}
	}
}

func (s *Sandbox) dispatch(ctx context.Context, tok transport.Token, payload []byte) error {
	var envelope struct {
		Method string          `json:"method"`
		Body   json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return fmt.Errorf("sandboxproc: malformed request: %w", err)
	}

	switch envelope.Method {
	case proto.IsolateFilesystem:
		err := s.isolateFilesystem()
		return transport.RespondResult(s.conn, tok, proto.Empty{}, err)

	case proto.MkDir:
		var req proto.MkDirRequest
		err := json.Unmarshal(envelope.Body, &req)
		if err == nil {
			err = s.mkdir(req)
		}
		return transport.RespondResult(s.conn, tok, proto.Empty{}, err)

	case proto.Link:
		var req proto.LinkRequest
		err := json.Unmarshal(envelope.Body, &req)
		if err == nil {
			err = s.link(req)
		}
		return transport.RespondResult(s.conn, tok, proto.Empty{}, err)

	case proto.BeginFile:
		var req proto.BeginFileRequest
		err := json.Unmarshal(envelope.Body, &req)
		if err == nil {
			err = s.beginFile(req)
		}
		return transport.RespondResult(s.conn, tok, proto.Empty{}, err)

	case proto.EndFile:
		var req proto.EndFileRequest
		err := json.Unmarshal(envelope.Body, &req)
		if err == nil {
			err = s.endFile(req)
		}
		return transport.RespondResult(s.conn, tok, proto.Empty{}, err)

	case proto.Exec:
		var req proto.ExecRequest
		err := json.Unmarshal(envelope.Body, &req)
		var resp proto.ExecResponse
		if err == nil {
			resp, err = s.exec(req)
		}
		return transport.RespondResult(s.conn, tok, resp, err)

	default:
		return transport.RespondResult[proto.Empty](s.conn, tok, proto.Empty{}, fmt.Errorf("sandboxproc: unknown method %q", envelope.Method))
	}
}

func (s *Sandbox) mkdir(req proto.MkDirRequest) error {
	return os.MkdirAll(req.Path, os.FileMode(req.Mode))
}

func (s *Sandbox) link(req proto.LinkRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.To), 0o755); err != nil {
		return err
	}
	return os.Symlink(req.From, req.To)
}

func (s *Sandbox) beginFile(req proto.BeginFileRequest) error {
	if err := os.MkdirAll(filepath.Dir(req.Path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(req.Path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(req.Mode))
	if err != nil {
		return err
	}
	receiver := s.conn.ReadStream(req.StreamID)
	pf := &pendingFile{f: f, receiver: receiver, drained: make(chan struct{})}
	s.openFiles[req.StreamID] = pf

	go func() {
		defer close(pf.drained)
		for chunk := range receiver.Chan() {
			_, err := f.Write(chunk)
			bufpool.Shared().Put(chunk)
			if err != nil {
				log.WithField("path", req.Path).Errorf("sandboxproc: writing file chunk: %v", err)
				return
			}
		}
	}()
	return nil
}

func (s *Sandbox) endFile(req proto.EndFileRequest) error {
	pf, ok := s.openFiles[req.StreamID]
	if !ok {
		return fmt.Errorf("sandboxproc: no open file for stream %d", req.StreamID)
	}
	delete(s.openFiles, req.StreamID)

	<-pf.drained
	if err := pf.receiver.Err(); err != nil {
		pf.f.Close()
		return fmt.Errorf("sandboxproc: stream %d ended in error: %w", req.StreamID, err)
	}
	return pf.f.Close()
}

// payloadRequest is the minimal data RunPayload needs to replace its own
// process image with the builder's command; everything else (env, cwd)
// is already set on the __payload process itself before it starts.
type payloadRequest struct {
	Path string   `json:"path"`
	Argv []string `json:"argv"`
}

// exec runs a program to completion inside the sandbox. Capability
// dropping must not happen here: this method runs on the long-lived
// sandbox server, and dropping its capabilities would be permanent. The
// program instead runs under a freshly re-exec'd __payload process,
// which drops capabilities and then exec()s into the builder's command,
// so only that one process ever loses them.
func (s *Sandbox) exec(req proto.ExecRequest) (proto.ExecResponse, error) {
	selfExe := os.Getenv("NCKD_SELF_EXE")
	if selfExe == "" {
		selfExe = "/proc/self/exe"
	}

	encoded, err := json.Marshal(payloadRequest{Path: req.Path, Argv: req.Argv})
	if err != nil {
		return proto.ExecResponse{}, fmt.Errorf("sandboxproc: encoding payload request: %w", err)
	}

	readEnd, writeEnd, err := os.Pipe()
	if err != nil {
		return proto.ExecResponse{}, fmt.Errorf("sandboxproc: creating payload pipe: %w", err)
	}

	cmd := exec.Command(selfExe, payloadSubcommand)
	cmd.Env = req.Env
	cmd.Dir = req.Cwd
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.ExtraFiles = []*os.File{readEnd}

	if err := cmd.Start(); err != nil {
		readEnd.Close()
		writeEnd.Close()
		return proto.ExecResponse{}, fmt.Errorf("sandboxproc: starting payload: %w", err)
	}
	readEnd.Close()
	if _, err := writeEnd.Write(encoded); err != nil {
		writeEnd.Close()
		return proto.ExecResponse{}, fmt.Errorf("sandboxproc: writing payload request: %w", err)
	}
	writeEnd.Close()

	err = cmd.Wait()
	if err == nil {
		return proto.ExecResponse{ExitCode: 0}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return proto.ExecResponse{ExitCode: exitErr.ExitCode()}, nil
	}
	return proto.ExecResponse{}, fmt.Errorf("sandboxproc: running %s: %w", req.Path, err)
}

// RunPayload is the entry point invoked when this binary is re-exec'd
// with the __payload subcommand. It reads its payloadRequest from fd
// payloadRequestFD, drops down to retainedCapabilities, and execs the
// requested program in place, so the capability drop lands on exactly
// the process the builder asked for.
func RunPayload() error {
	f := os.NewFile(uintptr(payloadRequestFD), "payload-request")
	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("sandboxproc: reading payload request: %w", err)
	}
	f.Close()

	var req payloadRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return fmt.Errorf("sandboxproc: decoding payload request: %w", err)
	}

	if err := dropCapabilities(); err != nil {
		return fmt.Errorf("sandboxproc: dropping capabilities: %w", err)
	}

	argv := append([]string{req.Path}, req.Argv...)
	return unix.Exec(req.Path, argv, os.Environ())
}

// dropCapabilities trims the process's capability sets down to
// retainedCapabilities before the payload executes, the way runsc's
// filter packages narrow what the sandboxed process can do before
// handing it control.
func dropCapabilities() error {
	caps, err := capability.NewPid2(0)
	if err != nil {
		return err
	}
	if err := caps.Load(); err != nil {
		return err
	}
	caps.Clear(capability.CAPS)
	caps.Set(capability.CAPS, retainedCapabilities...)
	return caps.Apply(capability.CAPS)
}
