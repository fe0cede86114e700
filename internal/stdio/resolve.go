package stdio

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
)

// DevCmdEnv overrides every other launch candidate when set.
const DevCmdEnv = "BRIDGE_DEV_CMD"

// Candidate is one way to launch the worker.
type Candidate struct {
	Name string
	Path string
	Args []string
	Dir  string
}

// Locator lists launch candidates for a worker packaged as a native binary
// named "bridge" or as a node script under bridge/dist.
type Locator struct {
	// DevCmd is a whitespace separated command line, usually from BRIDGE_DEV_CMD.
	DevCmd string
	// ResourceDirs hold bundled resources, searched before ExeDir.
	ResourceDirs []string
	ExeDir       string
	WorkDir      string
	// Node is the script interpreter. Default "node".
	Node string
	// PnpmDev appends "pnpm --prefix ../bridge dev" as the last resort, for
	// development builds.
	PnpmDev bool

	exists func(path string) bool
}

// DefaultLocator derives a Locator from the environment and the running executable.
func DefaultLocator() Locator {
	l := Locator{DevCmd: os.Getenv(DevCmdEnv), Node: "node"}
	if exe, err := os.Executable(); err == nil {
		l.ExeDir = filepath.Dir(exe)
	}
	if wd, err := os.Getwd(); err == nil {
		l.WorkDir = wd
	}
	return l
}

// Candidates returns launch candidates in priority order. Filesystem
// candidates are only listed when their target exists.
func (l Locator) Candidates() []Candidate {
	exists := l.exists
	if exists == nil {
		exists = fileExists
	}
	node := l.Node
	if node == "" {
		node = "node"
	}
	var out []Candidate

	if fields := strings.Fields(l.DevCmd); len(fields) > 0 {
		out = append(out, Candidate{Name: DevCmdEnv, Path: fields[0], Args: fields[1:], Dir: l.WorkDir})
	}

	binary := "bridge"
	if runtime.GOOS == "windows" {
		binary += ".exe"
	}
	scripts := func(name, base string) {
		for _, ext := range []string{"cjs", "js"} {
			script := filepath.Join(base, "index."+ext)
			if exists(script) {
				out = append(out, Candidate{Name: name, Path: node, Args: []string{script}, Dir: base})
			}
		}
	}

	bundled := func(dir string, resource bool) {
		if dir == "" {
			return
		}
		for _, p := range []string{filepath.Join(dir, binary), filepath.Join(dir, "_up_", binary)} {
			if exists(p) {
				out = append(out, Candidate{Name: "bundled binary", Path: p, Dir: dir})
			}
		}
		scripts("bundled script", filepath.Join(dir, "bridge", "dist"))
		if resource {
			scripts("bundled script", dir)
		}
		scripts("bundled script", filepath.Join(dir, "_up_", "bridge", "dist"))
	}
	for _, dir := range l.ResourceDirs {
		bundled(dir, true)
	}
	bundled(l.ExeDir, false)

	if l.WorkDir != "" {
		scripts("local build", filepath.Join(l.WorkDir, "bridge", "dist"))
		scripts("parent build", filepath.Clean(filepath.Join(l.WorkDir, "..", "..", "bridge", "dist")))
	}
	if l.PnpmDev {
		c := Candidate{Name: "pnpm dev", Path: "pnpm", Args: []string{"--prefix", "../bridge", "dev"}, Dir: l.WorkDir}
		if runtime.GOOS == "windows" {
			c.Path, c.Args = "cmd", []string{"/C", "pnpm", "--prefix", `..\bridge`, "dev"}
		}
		out = append(out, c)
	}
	return out
}

func fileExists(path string) bool {
	st, err := os.Stat(path)
	return err == nil && !st.IsDir()
}
