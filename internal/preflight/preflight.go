// Package preflight inspects a source tree before a run is created. A failed
// blocking check rejects the run; warnings are recorded by the build stage.
package preflight

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/lucasnoah/handoff/internal/faults"
)

// Check is the outcome of one pre-flight check.
type Check struct {
	ID        string `json:"id"`
	Passed    bool   `json:"passed"`
	IsBlocker bool   `json:"is_blocker"`
	Message   string `json:"message,omitempty"`
}

// Report lists every check run against a tree.
type Report struct {
	Checks []Check `json:"checks"`
}

// Blocking returns the failed checks that block the build.
func (r *Report) Blocking() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed && c.IsBlocker {
			out = append(out, c)
		}
	}
	return out
}

// Warnings returns the failed checks that do not block the build.
func (r *Report) Warnings() []Check {
	var out []Check
	for _, c := range r.Checks {
		if !c.Passed && !c.IsBlocker {
			out = append(out, c)
		}
	}
	return out
}

// Err returns a configuration error naming the blocking checks, or nil.
func (r *Report) Err() error {
	blocking := r.Blocking()
	if len(blocking) == 0 {
		return nil
	}
	msgs := make([]string, len(blocking))
	for i, c := range blocking {
		msgs[i] = c.ID + ": " + c.Message
	}
	return faults.Configuration(faults.CodePreflightFailed, "pre-flight failed: %s", strings.Join(msgs, "; "))
}

// FSChecker checks a source tree on the local filesystem.
type FSChecker struct {
	MaxSizeBytes int64
}

// NewFSChecker builds a checker that warns when the tree exceeds maxSizeMB.
func NewFSChecker(maxSizeMB int) *FSChecker {
	return &FSChecker{MaxSizeBytes: int64(maxSizeMB) << 20}
}

var lockfiles = []string{"package-lock.json", "pnpm-lock.yaml", "yarn.lock", "bun.lockb"}

// CheckSourceTree runs every check against dir. A missing directory is a
// configuration error rather than a failed check.
func (c *FSChecker) CheckSourceTree(ctx context.Context, dir string) (*Report, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, faults.Configuration(faults.CodeInvalidConfig, "source directory %q does not exist", dir)
	}

	report := &Report{}
	manifest, manifestErr := readManifest(dir)
	report.Checks = append(report.Checks, Check{
		ID:        "manifest",
		Passed:    manifestErr == nil,
		IsBlocker: true,
		Message:   errMessage(manifestErr),
	})

	buildCheck := Check{ID: "build-script", IsBlocker: true}
	switch {
	case manifestErr != nil:
		buildCheck.Message = "no manifest"
	case manifest.Scripts["build"] == "":
		buildCheck.Message = `package.json has no "build" script`
	default:
		buildCheck.Passed = true
	}
	report.Checks = append(report.Checks, buildCheck)

	lockCheck := Check{ID: "lockfile", Message: "no lockfile found; installs are not reproducible"}
	for _, name := range lockfiles {
		if fileExists(filepath.Join(dir, name)) {
			lockCheck.Passed = true
			lockCheck.Message = ""
			break
		}
	}
	report.Checks = append(report.Checks, lockCheck)

	envCheck := Check{ID: "env-file", Passed: true}
	if fileExists(filepath.Join(dir, ".env")) {
		envCheck.Passed = false
		envCheck.Message = ".env is present in the source tree; secrets belong in deployment env vars"
	}
	report.Checks = append(report.Checks, envCheck)

	size, err := treeSize(ctx, dir)
	if err != nil {
		return nil, err
	}
	sizeCheck := Check{ID: "size", Passed: true}
	if c.MaxSizeBytes > 0 && size > c.MaxSizeBytes {
		sizeCheck.Passed = false
		sizeCheck.Message = fmt.Sprintf("source tree is %d MB, limit %d MB", size>>20, c.MaxSizeBytes>>20)
	}
	report.Checks = append(report.Checks, sizeCheck)

	return report, nil
}

type packageJSON struct {
	Name    string            `json:"name"`
	Scripts map[string]string `json:"scripts"`
}

func readManifest(dir string) (*packageJSON, error) {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil, fmt.Errorf("package.json not found")
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("package.json is not valid JSON: %v", err)
	}
	return &pkg, nil
}

// treeSize sums regular file sizes, ignoring node_modules and .git.
func treeSize(ctx context.Context, dir string) (int64, error) {
	var total int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() && (d.Name() == "node_modules" || d.Name() == ".git") {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	if err != nil {
		return 0, faults.Classify(err)
	}
	return total, nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
