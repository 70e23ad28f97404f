// Package locator implements C1: finding the upstream `gemini` CLI
// binary on the current platform, memoizing the result, and reporting
// its version. Grounded on the teacher's subprocess-launch conventions
// (internal/ai/opencode/sidecar.go) — exec.Command, zerolog for
// diagnostics — generalized from "launch a long-lived server" to
// "resolve and probe a one-shot binary".
package locator

import (
	"bufio"
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const binaryName = "gemini"

var versionRe = regexp.MustCompile(`\d+\.\d+\.\d+`)

// PlatformInfo describes the current OS's shape, used to pick a search
// order and home directory.
type PlatformInfo struct {
	OS                string
	Arch              string
	Shell             string
	HomeDir           string
	GlobalPackageDir  string
}

// Locator resolves and memoizes the upstream CLI binary path. The zero
// value is usable; New returns the same empty Locator.
type Locator struct {
	mu sync.Mutex

	resolved   bool
	binaryPath string // "" means "not found", resolved == true means we tried

	versionResolved bool
	version         string
}

// New creates a Locator. There is nothing to configure — resolution is
// purely a function of the host environment.
func New() *Locator {
	return &Locator{}
}

// FromPath builds a Locator pre-resolved to path, skipping the
// PATH/candidate search entirely. An empty path pins the locator to
// "not installed". Useful for hosts that already know the binary's
// location (e.g. right after running an install step) and for tests
// that need a deterministic result without touching the real PATH.
func FromPath(path string) *Locator {
	return &Locator{resolved: true, binaryPath: path}
}

// FindBinary resolves the gemini CLI path, memoizing on first call.
// Never returns an error for "not found" — it returns "", false.
func (l *Locator) FindBinary() (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.resolved {
		return l.binaryPath, l.binaryPath != ""
	}

	path := l.resolveLocked()
	l.binaryPath = path
	l.resolved = true
	return path, path != ""
}

// Invalidate clears the memoized result, forcing the next FindBinary
// call to re-resolve. Intended to be called from install/uninstall
// operations (out of scope here, but the hook must exist).
func (l *Locator) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resolved = false
	l.binaryPath = ""
	l.versionResolved = false
	l.version = ""
}

func (l *Locator) resolveLocked() string {
	if path := lookupOnPath(); path != "" && isExecutableFile(path) {
		return path
	}

	for _, candidate := range candidatePaths() {
		if candidate != "" && isExecutableFile(candidate) {
			return candidate
		}
	}

	log.Debug().Str("binary", binaryName).Msg("gemini CLI not found on PATH or candidate locations")
	return ""
}

// lookupOnPath runs the platform's `which`/`where` and takes the first line.
func lookupOnPath() string {
	lookup := "which"
	if runtime.GOOS == "windows" {
		lookup = "where"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, lookup, binaryName)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return ""
	}

	scanner := bufio.NewScanner(&out)
	if scanner.Scan() {
		return strings.TrimSpace(scanner.Text())
	}
	return ""
}

// candidatePaths returns the per-OS fallback search list from spec.md §4.1.
func candidatePaths() []string {
	home, _ := os.UserHomeDir()

	if runtime.GOOS == "windows" {
		appData := os.Getenv("APPDATA")
		localAppData := os.Getenv("LOCALAPPDATA")
		return []string{
			filepath.Join(appData, "npm", "gemini.cmd"),
			filepath.Join(localAppData, "npm", "gemini.cmd"),
			`C:\Program Files\nodejs\gemini.cmd`,
		}
	}

	return []string{
		filepath.Join(home, ".local", "bin", binaryName),
		"/usr/local/bin/" + binaryName,
		"/usr/bin/" + binaryName,
		filepath.Join(home, ".npm-global", "bin", binaryName),
		filepath.Join(home, "n", "bin", binaryName),
	}
}

func isExecutableFile(path string) bool {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return info.Mode()&0o111 != 0
}

// IsInstalled reports whether the binary resolves to anything.
func (l *Locator) IsInstalled() bool {
	_, ok := l.FindBinary()
	return ok
}

// GetVersion invokes `<binary> --version`, extracts and memoizes the
// first MAJOR.MINOR.PATCH match. Returns "", false if unresolvable.
func (l *Locator) GetVersion() (string, bool) {
	l.mu.Lock()
	if l.versionResolved {
		v := l.version
		l.mu.Unlock()
		return v, v != ""
	}
	l.mu.Unlock()

	path, ok := l.FindBinary()
	if !ok {
		return "", false
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(ctx, path, "--version")
	var out bytes.Buffer
	cmd.Stdout = &out
	_ = cmd.Run() // version line may still be on stdout even with a nonzero exit

	version := versionRe.FindString(out.String())

	l.mu.Lock()
	l.versionResolved = true
	l.version = version
	l.mu.Unlock()

	return version, version != ""
}

// GetPlatformInfo reports platform facts a caller may need to render a
// diagnostic or pick an install strategy.
func GetPlatformInfo() PlatformInfo {
	home, _ := os.UserHomeDir()
	shell := os.Getenv("SHELL")

	globalPkgDir := ""
	if runtime.GOOS == "windows" {
		globalPkgDir = filepath.Join(os.Getenv("APPDATA"), "npm")
	} else {
		globalPkgDir = filepath.Join(home, ".npm-global")
	}

	return PlatformInfo{
		OS:               runtime.GOOS,
		Arch:             runtime.GOARCH,
		Shell:            shell,
		HomeDir:          home,
		GlobalPackageDir: globalPkgDir,
	}
}

// CompareVersions compares two dotted version strings component-wise as
// integers, padding missing components with zero, per spec.md §4.1.
// Returns -1, 0, or 1 the way strings.Compare/bytes.Compare do.
func CompareVersions(a, b string) int {
	as := splitVersion(a)
	bs := splitVersion(b)

	n := len(as)
	if len(bs) > n {
		n = len(bs)
	}
	for i := 0; i < n; i++ {
		var av, bv int
		if i < len(as) {
			av = as[i]
		}
		if i < len(bs) {
			bv = bs[i]
		}
		if av != bv {
			if av < bv {
				return -1
			}
			return 1
		}
	}
	return 0
}

func splitVersion(v string) []int {
	parts := strings.Split(v, ".")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, _ := strconv.Atoi(strings.TrimSpace(p))
		out[i] = n
	}
	return out
}
