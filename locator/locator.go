// Package locator resolves an engine CLI's executable path, combining an
// optional user override, a set of well-known install locations, and the
// process PATH into a single search with a deterministic priority order.
package locator

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/gobwas/glob"
)

// Result is the outcome of a Locate call.
type Result struct {
	// Path is the resolved absolute executable path. Empty if not found.
	Path string

	// CombinedPath is the PATH value to use for the child's environment:
	// the override's directory first, then the process PATH, then the
	// extra roots, deduplicated.
	CombinedPath string
}

// Found reports whether Locate resolved a usable path.
func (r Result) Found() bool { return r.Path != "" }

// Request describes one locate call.
type Request struct {
	// Program is the bare executable name, e.g. "claude", "codex".
	Program string

	// Override is an optional absolute path supplied by configuration.
	Override string

	// ExtraRoots are additional directories to search, in priority
	// order, before the process PATH.
	ExtraRoots []string
}

// windowsExt lists the wrapper-script extensions searched on the
// console-less host OS, in priority order.
var windowsExt = []string{".cmd", ".bat", ".exe"}

// Locate resolves req.Program to an absolute path per the following
// priority: an on-disk override wins outright; otherwise the extra roots
// are searched (trying windows wrapper extensions in order on that
// platform), then the process PATH via exec.LookPath.
//
// "Not found" is reported via Result.Found() == false; it is not an error.
func Locate(req Request) Result {
	roots := ExpandRoots(req.ExtraRoots)

	if req.Override != "" {
		if info, err := os.Stat(req.Override); err == nil && !info.IsDir() {
			return Result{
				Path:         req.Override,
				CombinedPath: combinedPath(filepath.Dir(req.Override), roots),
			}
		}
	}

	for _, root := range roots {
		if p := searchRoot(root, req.Program); p != "" {
			return Result{Path: p, CombinedPath: combinedPath(root, roots)}
		}
	}

	if p, err := exec.LookPath(req.Program); err == nil {
		abs, absErr := filepath.Abs(p)
		if absErr != nil {
			abs = p
		}
		return Result{Path: abs, CombinedPath: combinedPath("", roots)}
	}

	return Result{CombinedPath: combinedPath("", roots)}
}

func searchRoot(root, program string) string {
	if runtime.GOOS == "windows" {
		for _, ext := range windowsExt {
			candidate := filepath.Join(root, program+ext)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate
			}
		}
		return ""
	}
	candidate := filepath.Join(root, program)
	if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
		return candidate
	}
	return ""
}

// combinedPath builds the PATH value for child spawns: front first, then
// the process's current PATH, then extraRoots, deduplicated with
// case-insensitive equality on windows and byte-equality elsewhere.
func combinedPath(front string, extraRoots []string) string {
	seen := make(map[string]struct{})
	var out []string

	add := func(dir string) {
		if dir == "" {
			return
		}
		key := dir
		if runtime.GOOS == "windows" {
			key = strings.ToLower(dir)
		}
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		out = append(out, dir)
	}

	add(front)
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		add(dir)
	}
	for _, dir := range extraRoots {
		add(dir)
	}

	return strings.Join(out, string(os.PathListSeparator))
}

// ExpandRoots resolves the fixed set of well-known install directories
// (user home subdirectories, Node version manager trees, and on windows
// npm/pnpm/Volta locations) plus any caller-supplied extra roots, in
// priority order.
func ExpandRoots(extra []string) []string {
	var roots []string
	roots = append(roots, extra...)

	home, err := os.UserHomeDir()
	if err != nil {
		return roots
	}

	roots = append(roots,
		filepath.Join(home, ".local", "bin"),
		filepath.Join(home, ".cargo", "bin"),
		filepath.Join(home, ".bun", "bin"),
		filepath.Join(home, ".volta", "bin"),
	)
	roots = append(roots, nodeVersionManagerRoots(home)...)

	if runtime.GOOS == "windows" {
		if appData := os.Getenv("APPDATA"); appData != "" {
			roots = append(roots, filepath.Join(appData, "npm"))
		}
		if localAppData := os.Getenv("LOCALAPPDATA"); localAppData != "" {
			roots = append(roots,
				filepath.Join(localAppData, "pnpm"),
				filepath.Join(localAppData, "Volta", "bin"),
			)
		}
	}

	return roots
}

// nodeVersionManagerRoots scans fnm and nvm install trees for version
// directories. Both trees are searched as <root>/<version>/bin; every
// matching child directory that has a bin subdirectory is a candidate
// search root, in directory-name order (fnm first, then nvm).
func nodeVersionManagerRoots(home string) []string {
	var roots []string

	fnmRoot := filepath.Join(home, ".local", "state", "fnm_multishells")
	roots = append(roots, scanVersionDirs(fnmRoot, "*", "bin")...)

	nvmRoot := filepath.Join(home, ".nvm", "versions", "node")
	roots = append(roots, scanVersionDirs(nvmRoot, "v*", "bin")...)

	return roots
}

// scanVersionDirs globs root/pattern/suffix directories that exist on
// disk, using gobwas/glob to match the version directory name pattern.
func scanVersionDirs(root, pattern, suffix string) []string {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil
	}

	g, err := glob.Compile(pattern)
	if err != nil {
		return nil
	}

	var out []string
	for _, e := range entries {
		if !e.IsDir() || !g.Match(e.Name()) {
			continue
		}
		candidate := filepath.Join(root, e.Name(), suffix)
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			out = append(out, candidate)
		}
	}
	return out
}
