package remote

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// remoteBuildFileName is the name the rendered build file takes inside
	// the uploaded context.
	remoteBuildFileName = "Dockerfile"
	// manifestFileName carries the opaque build manifest alongside the
	// context.
	manifestFileName = "absconda-manifest.json"
)

// fileEntry is one file of the assembled build context. Entries are either
// backed by a local file (Path set) or synthesized in memory (Data set).
type fileEntry struct {
	Rel   string
	Path  string
	Data  []byte
	Size  int64
	Mtime time.Time
	Mode  fs.FileMode
}

func (e *fileEntry) open() (io.ReadCloser, error) {
	if e.Path != "" {
		return os.Open(e.Path)
	}
	return io.NopCloser(strings.NewReader(string(e.Data))), nil
}

// contentHash returns the sha256 of the entry contents.
func (e *fileEntry) contentHash() (string, error) {
	r, err := e.open()
	if err != nil {
		return "", err
	}
	defer r.Close()
	h := sha256.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// BuildContext is the deterministic set of files to mirror to the builder:
// the declared context directory plus the rendered build file and manifest.
type BuildContext struct {
	Root    string
	Entries []fileEntry
}

// ScanContext assembles the build context. It never traverses outside root:
// symlinks resolving beyond it are skipped with a warning. Exclude patterns
// match the relative path, any of its parent directories, or the base name.
func ScanContext(root, buildFilePath string, manifest map[string]any, excludes []string, log Logger) (*BuildContext, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("context directory %q: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("context path %q is not a directory", root)
	}

	bc := &BuildContext{Root: root}
	now := time.Now().UTC()

	buildFile, err := os.ReadFile(buildFilePath)
	if err != nil {
		return nil, fmt.Errorf("read build file: %w", err)
	}
	bc.Entries = append(bc.Entries, fileEntry{
		Rel: remoteBuildFileName, Data: buildFile, Size: int64(len(buildFile)), Mtime: now, Mode: 0o644,
	})

	manifestBytes, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	bc.Entries = append(bc.Entries, fileEntry{
		Rel: manifestFileName, Data: manifestBytes, Size: int64(len(manifestBytes)), Mtime: now, Mode: 0o644,
	})

	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if excluded(rel, excludes) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			return nil
		}
		// The rendered versions of these win over copies in the context dir.
		if rel == remoteBuildFileName || rel == manifestFileName {
			return nil
		}

		localPath := p
		if d.Type()&fs.ModeSymlink != 0 {
			resolved, err := filepath.EvalSymlinks(p)
			if err != nil {
				log.Warn("skipping unresolvable symlink", "path", rel, "error", err)
				return nil
			}
			if !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
				log.Warn("skipping symlink escaping the context root", "path", rel, "target", resolved)
				return nil
			}
			localPath = resolved
		}

		fi, err := os.Stat(localPath)
		if err != nil {
			return err
		}
		if !fi.Mode().IsRegular() {
			return nil
		}
		bc.Entries = append(bc.Entries, fileEntry{
			Rel:   rel,
			Path:  localPath,
			Size:  fi.Size(),
			Mtime: fi.ModTime(),
			Mode:  fi.Mode().Perm(),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(bc.Entries, func(i, j int) bool { return bc.Entries[i].Rel < bc.Entries[j].Rel })
	return bc, nil
}

func excluded(rel string, patterns []string) bool {
	base := path.Base(rel)
	for _, pattern := range patterns {
		pattern = strings.TrimSuffix(pattern, "/")
		if pattern == "" {
			continue
		}
		if ok, _ := path.Match(pattern, rel); ok {
			return true
		}
		if ok, _ := path.Match(pattern, base); ok {
			return true
		}
		if strings.HasPrefix(rel, pattern+"/") {
			return true
		}
	}
	return false
}
