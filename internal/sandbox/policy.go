// Package sandbox runs worker-authored code under an explicit capability
// policy. Safe mode restricts the interpreter to an allow-list and rejects
// code that reaches for the network, spawns processes or touches paths
// outside the scratch tree.
package sandbox

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

type Mode string

const (
	ModeSafe   Mode = "safe"
	ModeUnsafe Mode = "unsafe"
)

// Policy is the capability allow-list for one worker.
type Policy struct {
	Mode            Mode
	AllowedCommands []string // interpreters that may be launched
	AllowNetwork    bool
	AllowedPaths    []string // absolute path prefixes code may reference
	Timeout         time.Duration
	MaxOutput       int    // bytes of combined output kept
	ScratchRoot     string // parent of per-run scratch dirs; "" = os temp dir
}

// DefaultPolicy returns the policy applied when a worker only names a mode.
func DefaultPolicy(mode Mode) Policy {
	if mode == "" {
		mode = ModeSafe
	}
	return Policy{
		Mode:            mode,
		AllowedCommands: []string{"python3", "python", "node"},
		Timeout:         30 * time.Second,
		MaxOutput:       64 * 1024,
	}
}

// Capability names what a violation tried to use.
type Capability string

const (
	CapInterpreter Capability = "interpreter"
	CapNetwork     Capability = "network"
	CapProcess     Capability = "process"
	CapFilesystem  Capability = "filesystem"
)

// ViolationError reports code that needs a capability the policy denies.
type ViolationError struct {
	Capability Capability
	Detail     string
}

func (e *ViolationError) Error() string {
	return fmt.Sprintf("sandbox violation (%s): %s", e.Capability, e.Detail)
}

func (e *ViolationError) Kind() string { return "SandboxViolationError" }

// interpreters maps a request language to candidate commands and a file extension.
var interpreters = map[string]struct {
	commands []string
	ext      string
}{
	"python":     {[]string{"python3", "python"}, ".py"},
	"javascript": {[]string{"node"}, ".js"},
	"sh":         {[]string{"sh"}, ".sh"},
}

var languageAliases = map[string]string{
	"python": "python", "python3": "python", "py": "python",
	"javascript": "javascript", "js": "javascript", "node": "javascript",
	"sh": "sh", "bash": "sh", "shell": "sh",
}

type rule struct {
	cap Capability
	re  *regexp.Regexp
}

var (
	networkRules = []rule{
		{CapNetwork, regexp.MustCompile(`(?m)^\s*(?:import|from)\s+(?:socket|requests|urllib\d?|http\.client|http\.server|httpx|aiohttp|ftplib|smtplib|telnetlib|paramiko)\b`)},
		{CapNetwork, regexp.MustCompile(`require\(\s*['"](?:http|https|net|dgram|tls|axios|node-fetch)['"]\s*\)`)},
		{CapNetwork, regexp.MustCompile(`\bfetch\s*\(`)},
		{CapNetwork, regexp.MustCompile(`\b(?:curl|wget|nc|ssh)\s`)},
		{CapNetwork, regexp.MustCompile(`https?://`)},
	}
	processRules = []rule{
		{CapProcess, regexp.MustCompile(`(?m)^\s*(?:import|from)\s+(?:subprocess|multiprocessing|pty)\b`)},
		{CapProcess, regexp.MustCompile(`\bos\.(?:system|popen|exec\w*|spawn\w*|fork|kill)\s*\(`)},
		{CapProcess, regexp.MustCompile(`\bchild_process\b`)},
		{CapProcess, regexp.MustCompile(`(?m)^\s*from\s+os\s+import\s+[^\n]*\b(?:system|popen|exec\w*|spawn\w*|fork\w*|posix_spawn\w*)\b`)},
		{CapProcess, regexp.MustCompile(`\bimportlib\b|\b__import__\s*\(`)},
		{CapProcess, regexp.MustCompile(`["'](?:subprocess|child_process|pty)["']`)},
	}
	filesystemRules = []rule{
		{CapFilesystem, regexp.MustCompile(`\bos\.(?:path\.)?(?:sep|altsep)\b|\bpath\.sep\b`)},
	}
	quotedPathRe = regexp.MustCompile(`["'](/[^"'\s]*|\.\./[^"'\s]*)["']`)
)

// Check scans code against the policy without running it. It is the first
// line only: in safe mode the runner also enforces the policy inside the
// interpreter.
func (p Policy) Check(req Request) error {
	lang, ok := languageAliases[strings.ToLower(req.Language)]
	if !ok {
		return &ViolationError{Capability: CapInterpreter, Detail: fmt.Sprintf("unsupported language %q", req.Language)}
	}
	if p.Mode == ModeUnsafe {
		return nil
	}

	if _, ok := p.interpreterFor(lang); !ok {
		return &ViolationError{Capability: CapInterpreter, Detail: fmt.Sprintf("no allowed interpreter for %s", lang)}
	}

	var rules []rule
	if !p.AllowNetwork {
		rules = append(rules, networkRules...)
	}
	rules = append(rules, processRules...)
	rules = append(rules, filesystemRules...)
	for _, r := range rules {
		if m := r.re.FindString(req.Code); m != "" {
			return &ViolationError{Capability: r.cap, Detail: fmt.Sprintf("disallowed construct %q", strings.TrimSpace(m))}
		}
	}

	for _, m := range quotedPathRe.FindAllStringSubmatch(req.Code, -1) {
		if !p.pathAllowed(m[1]) {
			return &ViolationError{Capability: CapFilesystem, Detail: fmt.Sprintf("path %q is outside the sandbox", m[1])}
		}
	}
	return nil
}

// interpreterFor returns the first allowed command for lang.
func (p Policy) interpreterFor(lang string) (string, bool) {
	spec, ok := interpreters[lang]
	if !ok {
		return "", false
	}
	if p.Mode == ModeUnsafe {
		return spec.commands[0], true
	}
	for _, c := range spec.commands {
		for _, allowed := range p.AllowedCommands {
			if c == allowed {
				return c, true
			}
		}
	}
	return "", false
}

func (p Policy) pathAllowed(path string) bool {
	if strings.HasPrefix(path, "../") {
		return false
	}
	clean := filepath.Clean(path)
	for _, prefix := range p.AllowedPaths {
		prefix = filepath.Clean(prefix)
		if clean == prefix || strings.HasPrefix(clean, prefix+string(filepath.Separator)) {
			return true
		}
	}
	return false
}
