//go:build linux

package sandbox

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// OCIMounts renders ops as OCI runtime mounts, preserving order. Ops with
// no mount equivalent (directories, symlinks, inline data) are returned
// separately so the caller can materialize them in the rootfs.
func OCIMounts(ops []Op) ([]specs.Mount, []Op) {
	mounts := make([]specs.Mount, 0, len(ops))

	var rest []Op

	for _, op := range ops {
		switch op.Kind {
		case OpBind, OpDevBind:
			mounts = append(mounts, specs.Mount{Destination: op.Dst, Type: "bind", Source: op.Src, Options: []string{"rbind", "rw"}})
		case OpRoBind:
			mounts = append(mounts, specs.Mount{Destination: op.Dst, Type: "bind", Source: op.Src, Options: []string{"rbind", "ro"}})
		case OpTmpfs:
			mounts = append(mounts, specs.Mount{Destination: op.Dst, Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=755"}})
		case OpProc:
			mounts = append(mounts, specs.Mount{Destination: op.Dst, Type: "proc", Source: "proc"})
		default:
			rest = append(rest, op)
		}
	}

	return mounts, rest
}
