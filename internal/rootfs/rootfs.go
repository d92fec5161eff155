// Package rootfs builds the private on-disk root filesystem a sandbox
// process pivots into (SPEC_FULL.md §3 "Rootfs layout").
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// etcGroup, etcPasswd, and etcHosts are the fixed /etc contents every
// sandbox rootfs ships with: a root entry, a "builder" entry mapped to
// the in-namespace uid/gid 1000, and a minimal loopback-only hosts file
// (exercised by SPEC_FULL.md §8 scenario 2).
const (
	etcGroup  = "root:x:0:\nbuilder:x:1000:\nnobody:x:65534:\n"
	etcPasswd = "root:x:0:0:root:/:/bin/false\nbuilder:x:1000:1000:builder:/:/bin/false\nnobody:x:65534:65534:nobody:/:/bin/false\n"
	etcHosts  = "127.0.0.1 localhost\n::1 localhost\n"
)

// Mount describes one mount point of the rootfs layout, as a
// specs.Mount — the same OCI mount type the teacher uses throughout
// runsc, even though the upload format in this daemon is not OCI.
type Mount struct {
	specs.Mount
	// FallbackBind causes a failed Source mount to retry as a recursive
	// bind mount from the host path, per SPEC_FULL.md §4.5 step 2.
	FallbackBind string
	// Fatal means a mount failure aborts rootfs construction entirely.
	Fatal bool
}

// Builder constructs a rootfs under Root, optionally bind-mounting
// StorePath read-only at StoreMount.
type Builder struct {
	Root        string
	StorePath   string
	StoreMount  string
}

// Build lays out the full rootfs described in SPEC_FULL.md §3. It must
// run before pivot_root.
func (b *Builder) Build() error {
	if err := os.MkdirAll(b.Root, 0o700); err != nil {
		return fmt.Errorf("rootfs: creating root %s: %w", b.Root, err)
	}
	if err := os.Chmod(b.Root, 0o700); err != nil {
		return fmt.Errorf("rootfs: chmod root: %w", err)
	}

	if err := b.mountTmp(); err != nil {
		return err
	}
	if err := b.writeEtc(); err != nil {
		return err
	}
	if err := b.mountDev(); err != nil {
		return err
	}
	if err := b.mountSys(); err != nil {
		return err
	}
	if err := b.mountProc(); err != nil {
		return err
	}
	if b.StorePath != "" {
		if err := b.bindStore(); err != nil {
			return err
		}
	}
	return nil
}

func (b *Builder) path(rel string) string {
	return filepath.Join(b.Root, rel)
}

func (b *Builder) mkdir(rel string) (string, error) {
	p := b.path(rel)
	if err := os.MkdirAll(p, 0o755); err != nil {
		return "", fmt.Errorf("rootfs: mkdir %s: %w", rel, err)
	}
	return p, nil
}

func (b *Builder) mountTmp() error {
	p, err := b.mkdir("tmp")
	if err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", p, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("rootfs: mounting /tmp: %w", err)
	}
	return nil
}

func (b *Builder) writeEtc() error {
	etcDir, err := b.mkdir("etc")
	if err != nil {
		return err
	}
	files := map[string]string{
		"group":  etcGroup,
		"passwd": etcPasswd,
		"hosts":  etcHosts,
	}
	for name, content := range files {
		if err := os.WriteFile(filepath.Join(etcDir, name), []byte(content), 0o644); err != nil {
			return fmt.Errorf("rootfs: writing /etc/%s: %w", name, err)
		}
	}
	return nil
}

func (b *Builder) mountDev() error {
	devDir, err := b.mkdir("dev")
	if err != nil {
		return err
	}

	// /dev/pts: devpts new-instance, falling back to a recursive bind of
	// the host's /dev/pts on failure.
	ptsDir, err := b.mkdir("dev/pts")
	if err != nil {
		return err
	}
	if err := unix.Mount("devpts", ptsDir, "devpts", 0, "newinstance,ptmxmode=0666,mode=620"); err != nil {
		log.Warnf("rootfs: devpts mount failed (%v), falling back to bind from host", err)
		if err := bindRecursive("/dev/pts", ptsDir); err != nil {
			return fmt.Errorf("rootfs: falling back to bind /dev/pts: %w", err)
		}
	}

	// /dev/shm tmpfs.
	shmDir, err := b.mkdir("dev/shm")
	if err != nil {
		return err
	}
	if err := unix.Mount("tmpfs", shmDir, "tmpfs", 0, ""); err != nil {
		return fmt.Errorf("rootfs: mounting /dev/shm: %w", err)
	}

	// /dev/ptmx: symlink to pts/ptmx, falling back to a bind of the host
	// device node if the devpts mount above itself fell back.
	ptmx := filepath.Join(devDir, "ptmx")
	if err := os.Symlink("pts/ptmx", ptmx); err != nil {
		if err := bindFile("/dev/ptmx", ptmx); err != nil {
			return fmt.Errorf("rootfs: linking /dev/ptmx: %w", err)
		}
	}

	for _, name := range []string{"null", "zero", "full", "random", "urandom"} {
		dst := filepath.Join(devDir, name)
		if err := bindFile("/dev/"+name, dst); err != nil {
			return fmt.Errorf("rootfs: binding /dev/%s: %w", name, err)
		}
	}

	for name, target := range map[string]string{
		"fd":     "/proc/self/fd",
		"stdin":  "/proc/self/fd/0",
		"stdout": "/proc/self/fd/1",
		"stderr": "/proc/self/fd/2",
	} {
		if err := os.Symlink(target, filepath.Join(devDir, name)); err != nil {
			return fmt.Errorf("rootfs: symlinking /dev/%s: %w", name, err)
		}
	}
	return nil
}

func (b *Builder) mountSys() error {
	sysDir, err := b.mkdir("sys")
	if err != nil {
		return err
	}
	if err := unix.Mount("sysfs", sysDir, "sysfs", 0, ""); err != nil {
		log.Warnf("rootfs: sysfs mount failed (%v), falling back to bind from host", err)
		if err := bindRecursive("/sys", sysDir); err != nil {
			return fmt.Errorf("rootfs: falling back to bind /sys: %w", err)
		}
	}
	return nil
}

// mountProc mounts /proc. Unlike /sys and /dev/pts, failure here is
// fatal (SPEC_FULL.md §4.5 step 2).
func (b *Builder) mountProc() error {
	procDir, err := b.mkdir("proc")
	if err != nil {
		return err
	}
	if err := unix.Mount("proc", procDir, "proc", 0, ""); err != nil {
		return fmt.Errorf("rootfs: mounting /proc (fatal): %w", err)
	}
	return nil
}

func (b *Builder) bindStore() error {
	mountPoint := b.StoreMount
	if mountPoint == "" {
		mountPoint = b.StorePath
	}
	dst := b.path(mountPoint)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return fmt.Errorf("rootfs: creating store mount point: %w", err)
	}
	if err := unix.Mount(b.StorePath, dst, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("rootfs: bind-mounting store: %w", err)
	}
	if err := unix.Mount("", dst, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("rootfs: remounting store read-only: %w", err)
	}
	return nil
}

func bindRecursive(src, dst string) error {
	return unix.Mount(src, dst, "", unix.MS_BIND|unix.MS_REC, "")
}

func bindFile(src, dst string) error {
	if _, err := os.Stat(src); err != nil {
		return err
	}
	if f, err := os.OpenFile(dst, os.O_CREATE|os.O_RDONLY, 0o644); err == nil {
		f.Close()
	}
	return unix.Mount(src, dst, "", unix.MS_BIND, "")
}
