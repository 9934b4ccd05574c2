package main

import (
	"bufio"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"unicode/utf8"
)

// workspace samples real files from the project directory so mock tool
// calls carry plausible paths and content.
type workspace struct {
	root string

	once  sync.Once
	files []fileInfo
}

type fileInfo struct {
	absPath string
	relPath string
}

// textExtensions are the extensions treated as text for mock operations.
var textExtensions = map[string]bool{
	".go": true, ".ts": true, ".tsx": true, ".js": true, ".jsx": true,
	".py": true, ".rs": true, ".java": true, ".c": true, ".h": true,
	".css": true, ".html": true, ".json": true, ".yaml": true, ".yml": true,
	".toml": true, ".md": true, ".txt": true, ".sh": true, ".sql": true,
	".graphql": true, ".proto": true, ".xml": true, ".svg": true,
	".env": true, ".gitignore": true, ".dockerignore": true,
}

// skipDirs are directory names excluded from discovery.
var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".next": true,
	"dist": true, "build": true, "bin": true, "__pycache__": true,
	".cache": true, ".turbo": true, "coverage": true,
}

const maxFiles = 200

func newWorkspace(root string) *workspace {
	return &workspace{root: root}
}

// discover walks the root once and caches up to maxFiles text files.
func (w *workspace) discover() []fileInfo {
	w.once.Do(func() {
		var files []fileInfo
		_ = filepath.Walk(w.root, func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return nil // skip unreadable entries
			}
			if info.IsDir() {
				if skipDirs[info.Name()] {
					return filepath.SkipDir
				}
				return nil
			}
			if len(files) >= maxFiles {
				return filepath.SkipAll
			}
			ext := strings.ToLower(filepath.Ext(info.Name()))
			if !textExtensions[ext] && !textExtensions[info.Name()] {
				return nil
			}
			// Skip very large files
			if info.Size() > 100*1024 {
				return nil
			}
			rel, _ := filepath.Rel(w.root, path)
			files = append(files, fileInfo{absPath: path, relPath: rel})
			return nil
		})
		w.files = files
	})
	return w.files
}

// randomFile returns a random workspace file, or a fallback for empty
// directories.
func (w *workspace) randomFile() fileInfo {
	files := w.discover()
	if len(files) == 0 {
		return fileInfo{absPath: filepath.Join(w.root, "example.txt"), relPath: "example.txt"}
	}
	return files[rand.Intn(len(files))]
}

// filePaths returns up to n distinct relative paths for search results.
func (w *workspace) filePaths(n int) []string {
	files := w.discover()
	if len(files) == 0 {
		return []string{"example.txt"}
	}
	if n > len(files) {
		n = len(files)
	}
	perm := rand.Perm(len(files))
	paths := make([]string, n)
	for i := 0; i < n; i++ {
		paths[i] = files[perm[i]].relPath
	}
	return paths
}

// snippet reads up to maxLines lines from a file.
func (w *workspace) snippet(path string, maxLines int) string {
	f, err := os.Open(path)
	if err != nil {
		return "// (file not readable)\n"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var lines []string
	for scanner.Scan() && len(lines) < maxLines {
		lines = append(lines, scanner.Text())
	}
	return strings.Join(lines, "\n") + "\n"
}

// editFragment finds a line suitable for a mock edit and returns it with
// one word swapped.
func (w *workspace) editFragment(path string) (old, replacement string) {
	f, err := os.Open(path)
	if err != nil {
		return "hello", "hello_mock"
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	var candidates []string
	for scanner.Scan() {
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)
		// Non-empty, not too short, and plausible as code.
		if len(trimmed) >= 10 && len(trimmed) <= 120 && utf8.ValidString(trimmed) {
			candidates = append(candidates, line)
		}
	}
	if len(candidates) == 0 {
		return "original", "modified"
	}

	line := candidates[rand.Intn(len(candidates))]
	words := strings.Fields(line)
	var editable []int
	for i, word := range words {
		if len(word) > 2 {
			editable = append(editable, i)
		}
	}
	if len(editable) == 0 {
		return line, line + " // mock-edited"
	}
	idx := editable[rand.Intn(len(editable))]
	replaced := make([]string, len(words))
	copy(replaced, words)
	replaced[idx] = words[idx] + "_mock"
	return line, strings.Join(replaced, " ")
}
