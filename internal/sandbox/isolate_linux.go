//go:build linux

package sandbox

import (
	"os"
	"os/exec"
	"syscall"
)

// setupExitCode is returned by the namespace script when it cannot build the
// guest root. It never comes from the guest itself.
const setupExitCode = 125

// isolationScript runs as root of a fresh user namespace that owns fresh
// mount and network namespaces. It builds a read-only root on tmpfs from the
// host's /usr and library dirs, pivots into it, and hands the guest to an
// unmapped user namespace so it ends up as nobody without capabilities.
//
// $1 root mount point, $2 work dir, $3 lib zip or "", $4 limits script.
const isolationScript = `set -u
must() { "$@" || { echo "sandbox setup failed: $*" >&2; exit 125; }; }
ro() { must mount -o remount,bind,ro,nosuid,nodev "$1"; }
root=$1 work=$2 lib=$3 limits=$4
shift 4
must mount --make-rprivate /
must mount -t tmpfs -o mode=0755,size=8m xbsandbox "$root"
for d in /usr /bin /sbin /lib /lib32 /lib64 /libx32; do
	if [ -L "$d" ]; then
		must ln -s "$(readlink "$d")" "$root$d"
	elif [ -d "$d" ]; then
		must mkdir "$root$d"
		must mount --rbind "$d" "$root$d"
		ro "$root$d"
	fi
done
must mkdir "$root/etc" "$root/work" "$root/tmp" "$root/dev" "$root/.old"
if [ -f /etc/ld.so.cache ]; then
	must touch "$root/etc/ld.so.cache"
	must mount --bind /etc/ld.so.cache "$root/etc/ld.so.cache"
fi
for n in null zero urandom; do
	must touch "$root/dev/$n"
	must mount --bind "/dev/$n" "$root/dev/$n"
done
must mount --bind "$work" "$root/work"
if [ -n "$lib" ]; then
	must mount --bind "$lib" "$root/work/lib.zip"
fi
ro "$root/work"
must mount -t tmpfs -o mode=1777,size=16m xbtmp "$root/tmp"
must cd "$root"
must pivot_root . .old
must cd /
must umount -l /.old
must rmdir /.old
ro /
cd /work || exit 125
exec unshare --user -- /bin/sh -c "$limits" sandbox "$@"
`

// isolationTools must be on PATH for isolateCmd to work.
var isolationTools = []string{"sh", "mount", "umount", "pivot_root", "unshare"}

func isolationSupported() error { return nil }

// isolateCmd moves cmd into fresh user, mount, network, IPC and UTS
// namespaces. Root inside maps to the server's own uid so the setup script can
// mount without the server holding any capability on the host.
func isolateCmd(cmd *exec.Cmd) {
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = syscall.CLONE_NEWUSER | syscall.CLONE_NEWNS | syscall.CLONE_NEWNET |
		syscall.CLONE_NEWIPC | syscall.CLONE_NEWUTS
	cmd.SysProcAttr.UidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getuid(), Size: 1}}
	cmd.SysProcAttr.GidMappings = []syscall.SysProcIDMap{{ContainerID: 0, HostID: os.Getgid(), Size: 1}}
	cmd.SysProcAttr.GidMappingsEnableSetgroups = false
}
