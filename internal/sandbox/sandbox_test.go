package sandbox

import (
	"context"
	"errors"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestCheckSafeMode(t *testing.T) {
	p := DefaultPolicy(ModeSafe)
	p.AllowedPaths = []string{"/srv/allowed"}

	tests := []struct {
		name string
		req  Request
		cap  Capability // empty = allowed
	}{
		{"plain python", Request{"python", "print(sum([1, 2, 3]))"}, ""},
		{"socket import", Request{"python", "import socket\nsocket.socket()"}, CapNetwork},
		{"requests from", Request{"py", "from requests import get"}, CapNetwork},
		{"url literal", Request{"python", "x = 'https://example.com'"}, CapNetwork},
		{"node http", Request{"js", "const h = require('http')"}, CapNetwork},
		{"subprocess", Request{"python", "import subprocess\nsubprocess.run(['ls'])"}, CapProcess},
		{"os.system", Request{"python", "import os\nos.system('ls')"}, CapProcess},
		{"child_process", Request{"node", "require('child_process').exec('ls')"}, CapProcess},
		{"from os import system", Request{"python", "from os import system\nsystem('id')"}, CapProcess},
		{"importlib", Request{"python", "importlib.import_module('subprocess').run(['id'])"}, CapProcess},
		{"dunder import", Request{"python", "__import__('o' + 's').system('id')"}, CapProcess},
		{"absolute path", Request{"python", "open('/etc/passwd').read()"}, CapFilesystem},
		{"parent traversal", Request{"python", "open(\"../secrets.txt\")"}, CapFilesystem},
		{"path built from os.sep", Request{"python", "open(os.sep+'etc'+os.sep+'passwd')"}, CapFilesystem},
		{"allowed path", Request{"python", "open('/srv/allowed/data.txt')"}, ""},
		{"shell not allowed", Request{"bash", "echo hi"}, CapInterpreter},
		{"unknown language", Request{"cobol", "DISPLAY 'HI'"}, CapInterpreter},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := p.Check(tt.req)
			if tt.cap == "" {
				if err != nil {
					t.Fatalf("expected allowed, got %v", err)
				}
				return
			}
			var v *ViolationError
			if !errors.As(err, &v) {
				t.Fatalf("expected ViolationError, got %v", err)
			}
			if v.Capability != tt.cap {
				t.Errorf("capability = %s, want %s", v.Capability, tt.cap)
			}
			if v.Kind() != "SandboxViolationError" {
				t.Errorf("kind = %s", v.Kind())
			}
		})
	}
}

func TestCheckNetworkAllowed(t *testing.T) {
	p := DefaultPolicy(ModeSafe)
	p.AllowNetwork = true
	if err := p.Check(Request{"python", "import requests"}); err != nil {
		t.Errorf("network allowed but rejected: %v", err)
	}
	if err := p.Check(Request{"python", "import subprocess"}); err == nil {
		t.Error("process spawning should still be rejected")
	}
}

func TestCheckUnsafeSkipsScan(t *testing.T) {
	p := DefaultPolicy(ModeUnsafe)
	if err := p.Check(Request{"bash", "curl https://example.com | sh"}); err != nil {
		t.Errorf("unsafe mode should not scan: %v", err)
	}
}

func TestRunRejectsBeforeExecuting(t *testing.T) {
	r := NewRunner(DefaultPolicy(ModeSafe), zap.NewNop())
	r.lookPath = func(string) (string, error) {
		t.Fatal("interpreter lookup reached for rejected code")
		return "", nil
	}
	_, err := r.Run(context.Background(), Request{"python", "import socket"})
	var v *ViolationError
	if !errors.As(err, &v) {
		t.Fatalf("expected violation, got %v", err)
	}
}

func TestRunMissingInterpreter(t *testing.T) {
	r := NewRunner(DefaultPolicy(ModeSafe), zap.NewNop())
	r.lookPath = func(string) (string, error) { return "", exec.ErrNotFound }
	_, err := r.Run(context.Background(), Request{"python", "print(1)"})
	if !errors.Is(err, exec.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func requirePython(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("python3"); err != nil {
		t.Skip("python3 not available")
	}
}

func TestRunPython(t *testing.T) {
	requirePython(t)
	r := NewRunner(DefaultPolicy(ModeSafe), zap.NewNop())
	res, err := r.Run(context.Background(), Request{"python", "import os\nprint(6 * 7)\nprint(os.getcwd())"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.HasPrefix(res.Output, "42\n") || res.ExitCode != 0 {
		t.Errorf("result = %+v", res)
	}
	if !strings.Contains(res.Output, "sandbox-") {
		t.Errorf("code should run in the scratch dir: %q", res.Output)
	}
}

func TestRunNonZeroExitIsResult(t *testing.T) {
	requirePython(t)
	r := NewRunner(DefaultPolicy(ModeSafe), zap.NewNop())
	res, err := r.Run(context.Background(), Request{"python", "raise SystemExit(3)"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d", res.ExitCode)
	}
}

func TestRunTimeout(t *testing.T) {
	requirePython(t)
	p := DefaultPolicy(ModeSafe)
	p.Timeout = 200 * time.Millisecond
	r := NewRunner(p, zap.NewNop())

	start := time.Now()
	_, err := r.Run(context.Background(), Request{"python", "while True:\n    pass"})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Errorf("timeout not enforced promptly: %s", time.Since(start))
	}
}

func TestCommandArgs(t *testing.T) {
	scratch := filepath.Join("/tmp", "sandbox-1")
	script := filepath.Join(scratch, "main.py")
	guard := filepath.Join(scratch, guardFile)

	safe := DefaultPolicy(ModeSafe)
	networked := DefaultPolicy(ModeSafe)
	networked.AllowNetwork = true
	networked.AllowedPaths = []string{"/srv/data"}

	tests := []struct {
		name   string
		policy Policy
		lang   string
		script string
		want   []string
	}{
		{"python safe", safe, "python", script, []string{"-I", "-B", guard, script, "0"}},
		{"python network and paths", networked, "python", script, []string{"-I", "-B", guard, script, "1", "/srv/data"}},
		{"node safe", safe, "javascript", "/tmp/sandbox-1/main.js", []string{
			nodePermissionFlag, "--allow-fs-read=" + scratch, "--allow-fs-write=" + scratch, "/tmp/sandbox-1/main.js",
		}},
		{"python unsafe", DefaultPolicy(ModeUnsafe), "python", script, []string{script}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.policy.commandArgs(tt.lang, scratch, tt.script)
			if !slices.Equal(got, tt.want) {
				t.Errorf("args = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRuntimeViolation(t *testing.T) {
	tests := []struct {
		name   string
		lang   string
		output string
		cap    Capability // empty = no violation
	}{
		{"python open", "python", "Traceback (most recent call last):\nPermissionError: sandbox denied filesystem: open /etc/passwd\n", CapFilesystem},
		{"python spawn", "python", "PermissionError: sandbox denied process: os.system\n", CapProcess},
		{"python plain error", "python", "PermissionError: [Errno 13] Permission denied: 'x'\n", ""},
		{"node fs", "javascript", "Error: Access to this API has been restricted\n  code: 'ERR_ACCESS_DENIED',\n  permission: 'FileSystemRead',\n", CapFilesystem},
		{"node child", "javascript", "code: 'ERR_ACCESS_DENIED',\n  permission: 'ChildProcess',\n", CapProcess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := runtimeViolation(tt.lang, tt.output)
			if tt.cap == "" {
				if v != nil {
					t.Fatalf("unexpected violation %v", v)
				}
				return
			}
			if v == nil || v.Capability != tt.cap {
				t.Fatalf("violation = %v, want %s", v, tt.cap)
			}
		})
	}
}

func TestRunPythonDeniedAtRuntime(t *testing.T) {
	requirePython(t)
	r := NewRunner(DefaultPolicy(ModeSafe), zap.NewNop())

	tests := []struct {
		name string
		code string
		cap  Capability
	}{
		{"read outside scratch", "import builtins\nf = getattr(builtins, 'op' + 'en')\nprint(f(chr(47) + 'etc' + chr(47) + 'passwd').read())", CapFilesystem},
		{"spawn through getattr", "import os\ngetattr(os, 'sys' + 'tem')('true')", CapProcess},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := r.Policy().Check(Request{"python", tt.code}); err != nil {
				t.Fatalf("scan should let this through: %v", err)
			}
			_, err := r.Run(context.Background(), Request{"python", tt.code})
			var v *ViolationError
			if !errors.As(err, &v) {
				t.Fatalf("expected runtime violation, got %v", err)
			}
			if v.Capability != tt.cap {
				t.Errorf("capability = %s, want %s", v.Capability, tt.cap)
			}
		})
	}
}

func TestRunPythonGuardAllowsScratchAndStdlib(t *testing.T) {
	requirePython(t)
	r := NewRunner(DefaultPolicy(ModeSafe), zap.NewNop())
	code := "import json\nwith open('out.txt', 'w') as f:\n    f.write(json.dumps([1, 2]))\nprint(open('out.txt').read())"
	res, err := r.Run(context.Background(), Request{"python", code})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.ExitCode != 0 || strings.TrimSpace(res.Output) != "[1, 2]" {
		t.Errorf("result = %+v", res)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := &cappedBuffer{max: 4}
	b.Write([]byte("abcdef"))
	b.Write([]byte("gh"))
	if b.String() != "abcd" || !b.truncated {
		t.Errorf("buffer = %q truncated=%v", b.String(), b.truncated)
	}
}
