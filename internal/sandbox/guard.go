package sandbox

import (
	"path/filepath"
	"regexp"
	"strings"
)

const (
	guardFile = ".sandbox_guard.py"

	// nodePermissionFlag turns on the Node permission model: fs access
	// outside the granted paths, child processes and workers are refused.
	nodePermissionFlag = "--experimental-permission"
)

// pythonGuard installs an audit hook, then runs the script as __main__.
// argv: guard, script, "1" when network is allowed, extra allowed paths.
// Denials raise PermissionError("sandbox denied <capability>: <detail>").
const pythonGuard = `import os
import runpy
import sys


def _install(main, allow_net, extra):
    scratch = os.path.realpath(os.path.dirname(main))
    writable = [scratch] + [os.path.realpath(p) for p in extra]
    system = {sys.prefix, sys.exec_prefix, sys.base_prefix, sys.base_exec_prefix, *sys.path}
    readable = writable + [os.path.realpath(p) for p in system if p]
    process = ("subprocess.Popen", "os.system", "os.exec", "os.spawn", "os.posix_spawn",
               "os.fork", "os.forkpty", "pty.spawn", "ctypes.dlopen", "ctypes.cdata")
    network = ("socket.connect", "socket.bind", "socket.sendto", "socket.sendmsg",
               "socket.getaddrinfo")
    mutating = ("os.remove", "os.rename", "os.rmdir", "os.mkdir", "os.chmod", "os.chown",
                "os.symlink", "os.link", "os.truncate", "shutil.rmtree", "shutil.copyfile",
                "shutil.move")
    write_flags = os.O_WRONLY | os.O_RDWR | os.O_APPEND | os.O_CREAT | os.O_TRUNC

    def inside(path, roots):
        real = os.path.realpath(os.fsdecode(path))
        return any(real == r or real.startswith(r + os.sep) for r in roots)

    def deny(capability, detail):
        raise PermissionError("sandbox denied %s: %s" % (capability, detail))

    def guard(event, args):
        if event.startswith(process):
            deny("process", event)
        if not allow_net and event in network:
            deny("network", event)
        if event == "open":
            path, mode, flags = args
            if not isinstance(path, (str, bytes, os.PathLike)):
                return
            writing = (mode is not None and any(c in mode for c in "wax+")) or bool((flags or 0) & write_flags)
            if not inside(path, writable if writing else readable):
                deny("filesystem", "open %s" % os.fsdecode(path))
        elif event in mutating:
            for path in args[:2]:
                if isinstance(path, (str, bytes, os.PathLike)) and not inside(path, writable):
                    deny("filesystem", "%s %s" % (event, os.fsdecode(path)))

    sys.addaudithook(guard)


if __name__ == "__main__":
    _main = sys.argv[1]
    _install(_main, sys.argv[2] == "1", sys.argv[3:])
    sys.argv = [_main]
    runpy.run_path(_main, run_name="__main__")
`

var (
	pythonDeniedRe = regexp.MustCompile(`PermissionError: sandbox denied (\w+): ([^\n]*)`)
	nodeDeniedRe   = regexp.MustCompile(`ERR_ACCESS_DENIED[\s\S]*?permission: '(\w+)'`)
)

// commandArgs returns the interpreter arguments for script. Safe mode runs
// python isolated behind the audit hook in scratch/guardFile and node under
// its permission model, limited to scratch and the allowed paths.
func (p Policy) commandArgs(lang, scratch, script string) []string {
	if p.Mode == ModeUnsafe {
		return []string{script}
	}
	switch lang {
	case "python":
		net := "0"
		if p.AllowNetwork {
			net = "1"
		}
		args := []string{"-I", "-B", guardPath(scratch), script, net}
		return append(args, p.AllowedPaths...)
	case "javascript":
		args := []string{nodePermissionFlag, "--allow-fs-read=" + scratch, "--allow-fs-write=" + scratch}
		for _, path := range p.AllowedPaths {
			args = append(args, "--allow-fs-read="+path)
		}
		return append(args, script)
	}
	return []string{script}
}

func guardPath(scratch string) string { return filepath.Join(scratch, guardFile) }

// runtimeViolation maps a denial reported by the interpreter to a
// ViolationError.
func runtimeViolation(lang, output string) *ViolationError {
	switch lang {
	case "python":
		if m := pythonDeniedRe.FindStringSubmatch(output); m != nil {
			return &ViolationError{Capability: Capability(m[1]), Detail: "denied at runtime: " + strings.TrimSpace(m[2])}
		}
	case "javascript":
		if m := nodeDeniedRe.FindStringSubmatch(output); m != nil {
			c := CapFilesystem
			if strings.HasPrefix(m[1], "ChildProcess") || strings.HasPrefix(m[1], "WorkerThreads") {
				c = CapProcess
			}
			return &ViolationError{Capability: c, Detail: "denied at runtime: " + m[1]}
		}
	}
	return nil
}
