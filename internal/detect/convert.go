package detect

import (
	"strings"

	"github.com/clauditor/clauditor/internal/collector"
)

// FromCollectorEvent converts a collector event into zero or one detector
// Input. It returns ok=false only if the event carries a file kind with no
// corresponding detector representation (there is none at present; every
// FileEventKind maps to something, including exec).
func FromCollectorEvent(ev collector.Event) (Input, bool) {
	in := Input{}
	if ev.Proc != nil {
		in.HasPID = true
		in.PID = ev.Proc.PID
		in.HasUID = true
		in.UID = ev.Proc.UID
	}

	if ev.File.Kind == collector.FileExec {
		in.Kind = InputExec
		in.Comm = baseName(ev.File.Path)
		if ev.Proc != nil {
			in.Argv = ev.Proc.Cmdline
			in.Cwd = ev.Proc.Cwd
		}
		return in, true
	}

	if ev.Proc != nil && len(ev.Proc.Cmdline) > 0 {
		in.Kind = InputExec
		in.Comm = ev.Proc.Cmdline[0]
		in.Argv = ev.Proc.Cmdline
		in.Cwd = ev.Proc.Cwd
		return in, true
	}

	in.Kind = InputFileOp
	in.Path = ev.File.Path
	switch ev.File.Kind {
	case collector.FileCreate, collector.FileModify:
		in.Op = FileOpWrite
	case collector.FileDelete:
		in.Op = FileOpUnlink
	case collector.FileAccess:
		in.Op = FileOpOpen
	default:
		return Input{}, false
	}
	return in, true
}

func baseName(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return path
	}
	return path[i+1:]
}
