package elide

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// DefaultExtensions are the file extensions ElideTree transforms by default.
var DefaultExtensions = []string{".js", ".jsx", ".ts", ".tsx", ".mjs", ".cjs"}

// TreeStats summarizes an ElideTree run.
type TreeStats struct {
	Files       int // regular files visited
	Transformed int // files whose content changed
	Copied      int // files written byte-for-byte
}

// ElideTree writes a copy of the directory src into dst with every source
// file elided for target. Files whose extension is not in exts, or whose
// content has no markers, are copied unchanged. A nil exts uses
// DefaultExtensions. The first malformed file aborts the run.
func ElideTree(ctx context.Context, src, dst string, target Platform, exts []string) (TreeStats, error) {
	t, err := NewTransformer(target)
	if err != nil {
		return TreeStats{}, err
	}
	if exts == nil {
		exts = DefaultExtensions
	}

	var files []string
	err = filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.MkdirAll(filepath.Join(dst, rel), 0755)
		}
		if d.Type().IsRegular() {
			files = append(files, rel)
		}
		return nil
	})
	if err != nil {
		return TreeStats{}, fmt.Errorf("failed to walk %s: %w", src, err)
	}

	var transformed, copied atomic.Int64
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.GOMAXPROCS(0))
	for _, rel := range files {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			changed, err := elideFile(t, filepath.Join(src, rel), filepath.Join(dst, rel), slices.Contains(exts, strings.ToLower(filepath.Ext(rel))))
			if err != nil {
				return fmt.Errorf("%s: %w", rel, err)
			}
			if changed {
				transformed.Add(1)
			} else {
				copied.Add(1)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return TreeStats{}, err
	}
	return TreeStats{Files: len(files), Transformed: int(transformed.Load()), Copied: int(copied.Load())}, nil
}

func elideFile(t *Transformer, from, to string, source bool) (bool, error) {
	data, err := os.ReadFile(from)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(from)
	if err != nil {
		return false, err
	}

	out, changed := data, false
	if source {
		text, ok, err := t.Transform(string(data))
		if err != nil {
			return false, err
		}
		if ok {
			out, changed = []byte(text), true
		}
	}
	return changed, os.WriteFile(to, out, info.Mode().Perm())
}
