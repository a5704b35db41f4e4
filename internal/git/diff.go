package git

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// DiffFormat selects the diff representation returned by Diff.
type DiffFormat string

const (
	FormatUnified  DiffFormat = "unified"
	FormatStat     DiffFormat = "stat"
	FormatNameOnly DiffFormat = "name-only"
)

// ValidFormat reports whether f is a known diff format.
func ValidFormat(f DiffFormat) bool {
	switch f {
	case FormatUnified, FormatStat, FormatNameOnly:
		return true
	}
	return false
}

// FileStat is the per-file change count parsed from git's numstat output.
// Binary files report -1 for both counts in git; they surface here as zero
// with Binary set.
type FileStat struct {
	Path       string `json:"path"`
	Insertions int    `json:"insertions"`
	Deletions  int    `json:"deletions"`
	Binary     bool   `json:"binary,omitempty"`
}

// DiffStats aggregates a whole diff.
type DiffStats struct {
	FilesChanged int        `json:"files_changed"`
	Insertions   int        `json:"insertions"`
	Deletions    int        `json:"deletions"`
	Files        []FileStat `json:"files,omitempty"`
}

// Service captures diffs from run workspaces through the shared pool.
type Service struct {
	pool *Pool
}

// NewService creates a diff service over the given pool.
func NewService(pool *Pool) *Service {
	return &Service{pool: pool}
}

// Diff returns the working-tree diff of dir against HEAD in the requested
// format, including untracked files via intent-to-add so a freshly created
// file shows up like any other change.
func (s *Service) Diff(ctx context.Context, dir string, format DiffFormat) (string, error) {
	if !ValidFormat(format) {
		return "", fmt.Errorf("unknown diff format %q", format)
	}
	var out string
	err := s.pool.Run(ctx, func() error {
		// Untracked files are invisible to git diff until staged.
		if _, err := runGit(ctx, dir, "add", "-A", "-N"); err != nil {
			return fmt.Errorf("git add -N: %w", err)
		}
		args := []string{"diff", "HEAD"}
		switch format {
		case FormatStat:
			args = append(args, "--stat")
		case FormatNameOnly:
			args = append(args, "--name-only")
		}
		text, err := runGit(ctx, dir, args...)
		if err != nil {
			return fmt.Errorf("git diff: %w", err)
		}
		out = text
		return nil
	})
	return out, err
}

// Stats returns per-file insertion/deletion counts for the working tree
// against HEAD.
func (s *Service) Stats(ctx context.Context, dir string) (DiffStats, error) {
	var stats DiffStats
	err := s.pool.Run(ctx, func() error {
		if _, err := runGit(ctx, dir, "add", "-A", "-N"); err != nil {
			return fmt.Errorf("git add -N: %w", err)
		}
		out, err := runGit(ctx, dir, "diff", "HEAD", "--numstat")
		if err != nil {
			return fmt.Errorf("git diff --numstat: %w", err)
		}
		stats = ParseNumstat(out)
		return nil
	})
	return stats, err
}

// ParseNumstat parses `git diff --numstat` output: one tab-separated line
// per file, "-" counts for binary files.
func ParseNumstat(out string) DiffStats {
	var stats DiffStats
	for _, line := range strings.Split(out, "\n") {
		fields := strings.SplitN(strings.TrimRight(line, "\r"), "\t", 3)
		if len(fields) != 3 || fields[2] == "" {
			continue
		}
		fs := FileStat{Path: fields[2]}
		if fields[0] == "-" || fields[1] == "-" {
			fs.Binary = true
		} else {
			fs.Insertions, _ = strconv.Atoi(fields[0])
			fs.Deletions, _ = strconv.Atoi(fields[1])
		}
		stats.Files = append(stats.Files, fs)
		stats.FilesChanged++
		stats.Insertions += fs.Insertions
		stats.Deletions += fs.Deletions
	}
	return stats
}

// ParseUnifiedStats derives change counts directly from a unified diff text,
// used for staged patches that never touch a git working tree.
func ParseUnifiedStats(diff string) DiffStats {
	var stats DiffStats
	var files []FileStat
	var cur *FileStat
	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "+++ "):
			path := strings.TrimPrefix(line, "+++ ")
			path = strings.TrimPrefix(path, "b/")
			if path == "/dev/null" {
				continue
			}
			files = append(files, FileStat{Path: path})
			cur = &files[len(files)-1]
		case strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++"):
			if cur != nil {
				cur.Insertions++
			}
		case strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---"):
			if cur != nil {
				cur.Deletions++
			}
		}
	}
	for _, f := range files {
		stats.FilesChanged++
		stats.Insertions += f.Insertions
		stats.Deletions += f.Deletions
	}
	stats.Files = files
	return stats
}

// runGit runs one git command in dir and returns stdout, surfacing stderr in
// the error.
func runGit(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...) //nolint:gosec // G204: args are constructed internally
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
