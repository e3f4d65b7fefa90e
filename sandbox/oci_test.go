//go:build linux

package sandbox_test

import (
	"testing"

	"github.com/calvinalkan/vessel/sandbox"
	"github.com/google/go-cmp/cmp"
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func Test_OCIMounts_Splits_Mounts_From_Rootfs_Ops(t *testing.T) {
	t.Parallel()

	ops := []sandbox.Op{
		sandbox.RoBindOp("/usr", "/run/host/usr"),
		sandbox.DirOp("/srv"),
		sandbox.BindOp("/srv/data", "/srv/data"),
		sandbox.TmpfsOp("/srv/data/cache"),
		sandbox.SymlinkOp("usr/bin", "/bin"),
		{Kind: sandbox.OpProc, Dst: "/proc"},
	}

	mounts, rest := sandbox.OCIMounts(ops)

	wantMounts := []specs.Mount{
		{Destination: "/run/host/usr", Type: "bind", Source: "/usr", Options: []string{"rbind", "ro"}},
		{Destination: "/srv/data", Type: "bind", Source: "/srv/data", Options: []string{"rbind", "rw"}},
		{Destination: "/srv/data/cache", Type: "tmpfs", Source: "tmpfs", Options: []string{"nosuid", "nodev", "mode=755"}},
		{Destination: "/proc", Type: "proc", Source: "proc"},
	}

	if diff := cmp.Diff(wantMounts, mounts); diff != "" {
		t.Errorf("mounts (-want +got):\n%s", diff)
	}

	wantRest := []sandbox.Op{sandbox.DirOp("/srv"), sandbox.SymlinkOp("usr/bin", "/bin")}
	if diff := cmp.Diff(wantRest, rest); diff != "" {
		t.Errorf("rest (-want +got):\n%s", diff)
	}
}
