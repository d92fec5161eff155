// Package proto defines the message catalogue exchanged over the
// transport between the controller, zygote, supervisor, and sandbox
// processes (SPEC_FULL.md §4.2-4.6). Names mirror the ContMgr*-style
// string-constant catalogue in the teacher's runsc/boot/controller.go,
// adapted to this daemon's zygote/supervisor/sandbox protocol.
package proto

// Zygote-facing RPC names (controller -> zygote).
const (
	// Spawn asks the zygote to clone a new supervisor/sandbox pair.
	Spawn = "Zygote.Spawn"
)

// Sandbox-facing RPC names (controller -> sandbox).
const (
	IsolateFilesystem = "Sandbox.IsolateFilesystem"
	MkDir             = "Sandbox.MkDir"
	Link              = "Sandbox.Link"
	BeginFile         = "Sandbox.BeginFile"
	EndFile           = "Sandbox.EndFile"
	Exec              = "Sandbox.Exec"
)

// SpawnRequest carries the allocated id quadruple and a human-readable
// name for a new sandbox.
type SpawnRequest struct {
	Name      string `json:"name"`
	RootUID   uint32 `json:"root_uid"`
	RootGID   uint32 `json:"root_gid"`
	UserUID   uint32 `json:"user_uid"`
	UserGID   uint32 `json:"user_gid"`
	// StorePath, when non-empty, is bind-mounted read-only into the
	// sandbox's rootfs (SPEC_FULL.md §3).
	StorePath string `json:"store_path,omitempty"`
}

// SpawnResponse is returned by the zygote once the supervisor/sandbox
// pair is ready to accept the controller's rendezvous connection.
type SpawnResponse struct {
	Pid                        int    `json:"pid"`
	SandboxPath                string `json:"sandbox_path"`
	ControllerRendezvousSocket string `json:"controller_rendezvous_socket"`
}

// MkDirRequest creates a directory (mkdir -p semantics) and chmods it.
type MkDirRequest struct {
	Path string `json:"path"`
	Mode uint32 `json:"mode"`
}

// LinkRequest creates a symlink, creating to's parent directory first.
type LinkRequest struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// BeginFileRequest opens a file for write-truncate and attaches a stream
// consumer for StreamID.
type BeginFileRequest struct {
	StreamID uint32 `json:"stream_id"`
	Path     string `json:"path"`
	Mode     uint32 `json:"mode"`
}

// EndFileRequest awaits completion of the file task registered by a
// prior BeginFileRequest.
type EndFileRequest struct {
	StreamID uint32 `json:"stream_id"`
}

// ExecRequest runs a program to completion inside the sandbox.
type ExecRequest struct {
	Path string   `json:"path"`
	Argv []string `json:"argv"`
	Env  []string `json:"env"`
	Cwd  string   `json:"cwd"`
}

// ExecResponse carries the exited process's exit code.
type ExecResponse struct {
	ExitCode int `json:"exit_code"`
}

// Empty is used for requests/responses that carry no payload.
type Empty struct{}
