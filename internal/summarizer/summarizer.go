// Package summarizer builds a bounded Markdown digest of a project tree,
// used as the initial context when a job's input mode is "code" (§4.5).
package summarizer

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DefaultMaxFiles bounds the number of accepted files per summary.
	DefaultMaxFiles = 200
	// DefaultMaxBytes bounds the aggregate accepted-file size per summary.
	DefaultMaxBytes = 2 * 1024 * 1024
	// DefaultHeadLines bounds how much of each file is read.
	DefaultHeadLines = 80
)

// skipDirs names directories never descended into: version control, build
// outputs, and dependency caches.
var skipDirs = map[string]bool{
	".git":         true,
	".svn":         true,
	".hg":          true,
	"node_modules": true,
	"vendor":       true,
	"__pycache__":  true,
	".venv":        true,
	"venv":         true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"bin":          true,
	"obj":          true,
	".idea":        true,
	".vscode":      true,
	".next":        true,
	".svelte-kit":  true,
	"coverage":     true,
	".terraform":   true,
}

// allowedExt names the file extensions considered source for summarization.
var allowedExt = map[string]bool{
	".go": true, ".py": true, ".js": true, ".ts": true, ".jsx": true, ".tsx": true,
	".java": true, ".c": true, ".h": true, ".cpp": true, ".hpp": true, ".cc": true,
	".cs": true, ".rb": true, ".php": true, ".rs": true, ".kt": true, ".swift": true,
	".scala": true, ".m": true, ".mm": true, ".sh": true, ".sql": true,
	".yaml": true, ".yml": true, ".json": true, ".toml": true, ".proto": true,
	".md": true,
}

// Options configures Summarize. Zero values select the package defaults.
type Options struct {
	MaxFiles  int
	MaxBytes  int
	HeadLines int
}

func (o Options) withDefaults() Options {
	if o.MaxFiles <= 0 {
		o.MaxFiles = DefaultMaxFiles
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = DefaultMaxBytes
	}
	if o.HeadLines <= 0 {
		o.HeadLines = DefaultHeadLines
	}
	return o
}

type acceptedFile struct {
	relPath string
	head    string
	size    int
}

// Summarize walks projectPath breadth-first in lexicographic order at each
// level, accepts files with a recognized source extension up to the given
// bounds, and emits a deterministic Markdown digest of their heads.
func Summarize(projectPath string, opts Options) (string, error) {
	opts = opts.withDefaults()

	root, err := filepath.Abs(projectPath)
	if err != nil {
		return "", fmt.Errorf("resolve project path: %w", err)
	}
	if info, err := os.Stat(root); err != nil {
		return "", fmt.Errorf("stat project path: %w", err)
	} else if !info.IsDir() {
		return "", fmt.Errorf("project path %q is not a directory", projectPath)
	}

	var accepted []acceptedFile
	totalBytes := 0

	queue := []string{root}
	for len(queue) > 0 && len(accepted) < opts.MaxFiles && totalBytes < opts.MaxBytes {
		dir := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

		var subdirs []string
		for _, e := range entries {
			if len(accepted) >= opts.MaxFiles || totalBytes >= opts.MaxBytes {
				break
			}
			name := e.Name()
			full := filepath.Join(dir, name)

			if e.IsDir() {
				if strings.HasPrefix(name, ".") && name != "." && name != ".." {
					if skipDirs[name] {
						continue
					}
				}
				if skipDirs[name] {
					continue
				}
				subdirs = append(subdirs, full)
				continue
			}

			if !allowedExt[strings.ToLower(filepath.Ext(name))] {
				continue
			}

			rel, err := filepath.Rel(root, full)
			if err != nil {
				continue
			}
			head, size, err := readHead(full, opts.HeadLines)
			if err != nil {
				continue
			}
			if totalBytes+size > opts.MaxBytes && len(accepted) > 0 {
				break
			}
			accepted = append(accepted, acceptedFile{relPath: filepath.ToSlash(rel), head: head, size: size})
			totalBytes += size
		}
		queue = append(queue, subdirs...)
	}

	return render(accepted, totalBytes), nil
}

func readHead(path string, headLines int) (string, int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", 0, err
	}
	size := len(data)

	lines := strings.Split(string(data), "\n")
	if len(lines) > headLines {
		lines = lines[:headLines]
	}
	return strings.Join(lines, "\n"), size, nil
}

func render(files []acceptedFile, totalBytes int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Project summary: %d files, %d bytes scanned\n\n", len(files), totalBytes)

	for _, f := range files {
		lang := strings.TrimPrefix(filepath.Ext(f.relPath), ".")
		fmt.Fprintf(&sb, "## %s\n\n```%s\n%s\n```\n\n", f.relPath, lang, f.head)
	}

	return sb.String()
}
