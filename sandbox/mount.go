//go:build linux

package sandbox

import (
	"fmt"
	"os"
	"strconv"
)

// OpKind selects a bwrap filesystem directive.
type OpKind int

// Op kinds understood by [Args].
const (
	OpBind OpKind = iota + 1
	OpRoBind
	OpDevBind
	OpSymlink
	OpDir
	OpTmpfs
	OpProc
	OpRoBindData
)

// Op is one filesystem directive for the namespace-setup tool.
//
// Dst is always the absolute path inside the container. Src is the host
// path for bind kinds and the link target for OpSymlink; other kinds ignore
// it. FD and Perms are only used by OpRoBindData, where FD is the
// descriptor number as seen by the bwrap child (3 for the first ExtraFile).
type Op struct {
	Kind  OpKind      `json:"kind" yaml:"kind"`
	Src   string      `json:"src,omitempty" yaml:"src,omitempty"`
	Dst   string      `json:"dst" yaml:"dst"`
	FD    int         `json:"fd,omitempty" yaml:"fd,omitempty"`
	Perms os.FileMode `json:"perms,omitempty" yaml:"perms,omitempty"`
}

// BindOp returns a read-write bind of src at dst.
func BindOp(src, dst string) Op {
	return Op{Kind: OpBind, Src: src, Dst: dst}
}

// RoBindOp returns a read-only bind of src at dst.
func RoBindOp(src, dst string) Op {
	return Op{Kind: OpRoBind, Src: src, Dst: dst}
}

// SymlinkOp returns a symlink at dst pointing to target.
func SymlinkOp(target, dst string) Op {
	return Op{Kind: OpSymlink, Src: target, Dst: dst}
}

// DirOp ensures dst exists as a directory.
func DirOp(dst string) Op {
	return Op{Kind: OpDir, Dst: dst}
}

// TmpfsOp mounts an empty tmpfs at dst.
func TmpfsOp(dst string) Op {
	return Op{Kind: OpTmpfs, Dst: dst}
}

func (k OpKind) String() string {
	return opKindName(k)
}

// MarshalText implements [encoding.TextMarshaler].
func (k OpKind) MarshalText() ([]byte, error) {
	name := opKindName(k)
	if _, ok := opKindByName[name]; !ok {
		return nil, internalErrorf("OpKind.MarshalText", "unknown op kind %d", int(k))
	}

	return []byte(name), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (k *OpKind) UnmarshalText(text []byte) error {
	kind, ok := opKindByName[string(text)]
	if !ok {
		return fmt.Errorf("unknown op kind %q", text)
	}

	*k = kind

	return nil
}

var opKindByName = map[string]OpKind{
	"bind":         OpBind,
	"ro-bind":      OpRoBind,
	"dev-bind":     OpDevBind,
	"symlink":      OpSymlink,
	"dir":          OpDir,
	"tmpfs":        OpTmpfs,
	"proc":         OpProc,
	"ro-bind-data": OpRoBindData,
}

// opKindName returns a stable, human-readable name for an OpKind. It is
// also the bwrap option without its leading dashes.
func opKindName(kind OpKind) string {
	switch kind {
	case OpBind:
		return "bind"
	case OpRoBind:
		return "ro-bind"
	case OpDevBind:
		return "dev-bind"
	case OpSymlink:
		return "symlink"
	case OpDir:
		return "dir"
	case OpTmpfs:
		return "tmpfs"
	case OpProc:
		return "proc"
	case OpRoBindData:
		return "ro-bind-data"
	default:
		return fmt.Sprintf("unknown(%d)", kind)
	}
}

// opToArgs converts an Op into the corresponding bwrap CLI arguments.
func opToArgs(op Op) ([]string, error) {
	switch op.Kind {
	case OpBind, OpRoBind, OpDevBind, OpSymlink:
		return []string{"--" + opKindName(op.Kind), op.Src, op.Dst}, nil
	case OpDir, OpTmpfs, OpProc:
		return []string{"--" + opKindName(op.Kind), op.Dst}, nil
	case OpRoBindData:
		if op.FD <= 0 {
			return nil, internalErrorf("opToArgs", "ro-bind-data op has invalid FD %d (dst=%q)", op.FD, op.Dst)
		}

		args := []string{"--ro-bind-data", strconv.Itoa(op.FD), op.Dst}

		if op.Perms != 0 {
			// bwrap expects an octal string (e.g. 0555) for --perms.
			args = append([]string{"--perms", fmt.Sprintf("%04o", op.Perms.Perm())}, args...)
		}

		return args, nil
	default:
		return nil, internalErrorf("opToArgs", "unknown op kind %d (src=%q dst=%q fd=%d)", op.Kind, op.Src, op.Dst, op.FD)
	}
}

// Args flattens ops into a bwrap argument vector, preserving order.
func Args(ops []Op) ([]string, error) {
	args := make([]string, 0, len(ops)*3)

	for _, op := range ops {
		opArgs, err := opToArgs(op)
		if err != nil {
			return nil, err
		}

		args = append(args, opArgs...)
	}

	return args, nil
}

// ParseArgs is the inverse of [Args]. It accepts only the filesystem
// directives that an Op can represent.
func ParseArgs(args []string) ([]Op, error) {
	var ops []Op

	var perms os.FileMode

	for i := 0; i < len(args); {
		name := args[i]

		if name == "--perms" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--perms requires a value")
			}

			mode, err := strconv.ParseUint(args[i+1], 8, 32)
			if err != nil {
				return nil, fmt.Errorf("--perms %q: %w", args[i+1], err)
			}

			perms = os.FileMode(mode)
			i += 2

			continue
		}

		if len(name) < 3 || name[:2] != "--" {
			return nil, fmt.Errorf("unexpected argument %q at position %d", name, i)
		}

		kind, ok := opKindByName[name[2:]]
		if !ok {
			return nil, fmt.Errorf("unsupported option %q at position %d", name, i)
		}

		arity := 2
		if kind == OpDir || kind == OpTmpfs || kind == OpProc {
			arity = 1
		}

		if i+arity >= len(args) {
			return nil, fmt.Errorf("%s requires %d arguments", name, arity)
		}

		op := Op{Kind: kind}

		switch {
		case arity == 1:
			op.Dst = args[i+1]
		case kind == OpRoBindData:
			fd, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("%s: invalid fd %q", name, args[i+1])
			}

			op.FD = fd
			op.Dst = args[i+2]
			op.Perms = perms
		default:
			op.Src = args[i+1]
			op.Dst = args[i+2]
		}

		if kind != OpRoBindData && perms != 0 {
			return nil, fmt.Errorf("--perms must precede --ro-bind-data, not %s", name)
		}

		perms = 0
		ops = append(ops, op)
		i += arity + 1
	}

	if perms != 0 {
		return nil, fmt.Errorf("--perms without a following --ro-bind-data")
	}

	return ops, nil
}
