// Package cli is the main entrypoint for nckd, structured after
// runsc/cli/main.go: it registers one subcommands.Command per mode this
// binary can run in, then parses flags and dispatches.
//
// Three of those modes are never invoked by a user directly — __zygote,
// __supervisor, and __sandbox are the re-exec targets the daemon uses on
// itself to grow the controller -> zygote -> supervisor -> sandbox
// process tree (SPEC_FULL.md §4). They are registered as ordinary
// subcommands anyway, the same way runsc registers its internal "boot"
// and "gofer" commands alongside the user-facing ones, rather than
// detecting a re-exec by some other side channel.
package cli

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/subcommands"
	log "github.com/sirupsen/logrus"

	"github.com/nickelpack/nck/internal/config"
	"github.com/nickelpack/nck/internal/controller"
	"github.com/nickelpack/nck/internal/sandboxproc"
	"github.com/nickelpack/nck/internal/supervisor"
	"github.com/nickelpack/nck/internal/zygote"
)

// reexecFailure is the exit status the zygote/supervisor/sandbox/payload
// re-exec targets return on error: spec.md §6 maps a Result-of-error in
// any of them to process exit -1, i.e. byte value 255.
const reexecFailure subcommands.ExitStatus = 255

// Main is the process entry point, called from cmd/nckd's main().
func Main() {
	subcommands.Register(subcommands.HelpCommand(), "")
	subcommands.Register(subcommands.FlagsCommand(), "")
	subcommands.Register(subcommands.CommandsCommand(), "")

	subcommands.Register(&daemonCommand{}, "")

	const internalGroup = "internal use only"
	subcommands.Register(&zygoteCommand{}, internalGroup)
	subcommands.Register(&supervisorCommand{}, internalGroup)
	subcommands.Register(&sandboxCommand{}, internalGroup)
	subcommands.Register(&payloadCommand{}, internalGroup)

	flag.Parse()
	setupLogging()

	ctx := context.Background()
	os.Exit(int(subcommands.Execute(ctx)))
}

func setupLogging() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	if os.Getenv("NCK_DEBUG") != "" {
		log.SetLevel(log.DebugLevel)
	}
}

// daemonCommand runs the controller: it bootstraps the zygote and then
// blocks, serving as the long-lived parent of the whole process tree
// until it receives a termination signal.
type daemonCommand struct {
	configPath string
}

func (*daemonCommand) Name() string     { return "daemon" }
func (*daemonCommand) Synopsis() string { return "run the nckd controller" }
func (*daemonCommand) Usage() string {
	return "daemon [-config path]: starts the controller and its zygote\n"
}
func (c *daemonCommand) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.configPath, "config", "", "path to a TOML configuration file")
}

func (c *daemonCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		log.Errorf("daemon: loading configuration: %v", err)
		return subcommands.ExitFailure
	}

	ctrl, err := controller.New(
		cfg.Sandbox.RuntimeDir, cfg.Sandbox.StoreDir,
		cfg.Sandbox.UIDMap.Min, cfg.Sandbox.UIDMap.Max,
		cfg.Sandbox.GIDMap.Min, cfg.Sandbox.GIDMap.Max,
	)
	if err != nil {
		log.Errorf("daemon: %v", err)
		return subcommands.ExitFailure
	}
	defer ctrl.Close()

	log.WithField("runtime_dir", cfg.Sandbox.RuntimeDir).Info("daemon: controller ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("daemon: shutting down")
	return subcommands.ExitSuccess
}

// zygoteCommand is the re-exec target for the zygote process.
type zygoteCommand struct{}

func (*zygoteCommand) Name() string     { return "__zygote" }
func (*zygoteCommand) Synopsis() string { return "internal: run as the zygote process" }
func (*zygoteCommand) Usage() string    { return "__zygote: not meant to be invoked directly\n" }
func (*zygoteCommand) SetFlags(*flag.FlagSet) {}

func (*zygoteCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	sockPath := os.Getenv(zygote.EnvRendezvousSocket)
	if sockPath == "" {
		fmt.Fprintf(os.Stderr, "__zygote: missing %s\n", zygote.EnvRendezvousSocket)
		return reexecFailure
	}
	z, err := zygote.Dial(sockPath)
	if err != nil {
		log.Errorf("__zygote: %v", err)
		return reexecFailure
	}
	if err := z.Serve(ctx); err != nil {
		log.Errorf("__zygote: serve: %v", err)
		return reexecFailure
	}
	return subcommands.ExitSuccess
}

// supervisorCommand is the re-exec target for the supervisor process,
// cloned by the zygote directly into a new user and mount namespace.
type supervisorCommand struct{}

func (*supervisorCommand) Name() string     { return "__supervisor" }
func (*supervisorCommand) Synopsis() string { return "internal: run as a sandbox's supervisor" }
func (*supervisorCommand) Usage() string    { return "__supervisor: not meant to be invoked directly\n" }
func (*supervisorCommand) SetFlags(*flag.FlagSet) {}

func (*supervisorCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := supervisor.Main(); err != nil {
		log.Errorf("__supervisor: %v", err)
		return reexecFailure
	}
	return subcommands.ExitSuccess
}

// sandboxCommand is the re-exec target for the innermost sandbox
// process, cloned by the supervisor into new pid, uts, cgroup, and ipc
// namespaces.
type sandboxCommand struct{}

func (*sandboxCommand) Name() string     { return "__sandbox" }
func (*sandboxCommand) Synopsis() string { return "internal: run as the sandbox payload process" }
func (*sandboxCommand) Usage() string    { return "__sandbox: not meant to be invoked directly\n" }
func (*sandboxCommand) SetFlags(*flag.FlagSet) {}

func (*sandboxCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := sandboxproc.Main(); err != nil {
		log.Errorf("__sandbox: %v", err)
		return reexecFailure
	}
	return subcommands.ExitSuccess
}

// payloadCommand is the re-exec target for the builder's own command: it
// drops capabilities and execs in place of this process (SPEC_FULL.md
// §4.5 step 4).
type payloadCommand struct{}

func (*payloadCommand) Name() string     { return "__payload" }
func (*payloadCommand) Synopsis() string { return "internal: run as the exec'd builder payload" }
func (*payloadCommand) Usage() string    { return "__payload: not meant to be invoked directly\n" }
func (*payloadCommand) SetFlags(*flag.FlagSet) {}

func (*payloadCommand) Execute(ctx context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if err := sandboxproc.RunPayload(); err != nil {
		log.Errorf("__payload: %v", err)
		return reexecFailure
	}
	// unix.Exec only returns on error; reaching here would itself be a
	// bug in RunPayload.
	return subcommands.ExitSuccess
}
