// Copyright (C) 2022  Shanhu Tech Inc.
//
// This program is free software: you can redistribute it and/or modify it
// under the terms of the GNU Affero General Public License as published by the
// Free Software Foundation, either version 3 of the License, or (at your
// option) any later version.
//
// This program is distributed in the hope that it will be useful, but WITHOUT
// ANY WARRANTY; without even the implied warranty of MERCHANTABILITY or
// FITNESS FOR A PARTICULAR PURPOSE.  See the GNU Affero General Public License
// for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package hoist

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/zeebo/blake3"
	"shanhu.io/misc/errcode"
	"shanhu.io/misc/strutil"
)

const missingFileHash = "-"

func hashFileContent(f string) (string, error) {
	file, err := os.Open(f)
	if err != nil {
		return "", err
	}
	defer file.Close()

	h := blake3.New()
	if _, err := io.Copy(h, file); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func listAllFiles(dir string) ([]string, error) {
	var files []string
	walk := func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() { // Ignore all directories.
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			info, err := os.Stat(p)
			if err != nil {
				if os.IsNotExist(err) {
					return nil // dangling link
				}
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
		}
		files = append(files, p)
		return nil
	}

	if err := filepath.WalkDir(dir, walk); err != nil {
		return nil, err
	}
	return files, nil
}

// hashFiles computes a combined hash over a set of files. Directories are
// hashed by all the files they contain, and missing files count as a
// distinct state. The result does not depend on the order of names.
func hashFiles(dir string, names []string) (string, error) {
	sums := make(map[string]string)
	for _, name := range names {
		p := name
		if !filepath.IsAbs(p) {
			p = filepath.Join(dir, p)
		}

		info, err := os.Stat(p)
		if err != nil {
			if os.IsNotExist(err) {
				sums[filepath.ToSlash(name)] = missingFileHash
				continue
			}
			return "", errcode.Annotatef(err, "stat %q", name)
		}

		if !info.IsDir() {
			sum, err := hashFileContent(p)
			if err != nil {
				return "", errcode.Annotatef(err, "hash %q", name)
			}
			sums[filepath.ToSlash(name)] = sum
			continue
		}

		files, err := listAllFiles(p)
		if err != nil {
			return "", errcode.Annotatef(err, "list files in %q", name)
		}
		for _, f := range files {
			rel, err := filepath.Rel(p, f)
			if err != nil {
				return "", errcode.Annotatef(err, "relative path of %q", f)
			}
			sum, err := hashFileContent(f)
			if err != nil {
				return "", errcode.Annotatef(err, "hash %q", f)
			}
			entry := filepath.ToSlash(filepath.Join(name, rel))
			sums[entry] = sum
		}
	}

	return combineHashes(sums), nil
}

func combineHashes(sums map[string]string) string {
	var entries []string
	for name := range sums {
		entries = append(entries, name)
	}
	sort.Strings(entries)

	h := blake3.New()
	for _, name := range entries {
		fmt.Fprintf(h, "%s\x00%s\n", name, sums[name])
	}
	return "blake3:" + hex.EncodeToString(h.Sum(nil))
}

func hashFSFile(fsys fs.FS, p string) (string, error) {
	f, err := fsys.Open(p)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// hashFSEntry adds the content hash of p in fsys into sums under name. A
// directory adds every regular file it holds, and a missing p counts as
// a distinct state.
func hashFSEntry(fsys fs.FS, p, name string, sums map[string]string) error {
	info, err := fs.Stat(fsys, p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			sums[name] = missingFileHash
			return nil
		}
		return err
	}
	if !info.IsDir() {
		sum, err := hashFSFile(fsys, p)
		if err != nil {
			return errcode.Annotatef(err, "hash %q", name)
		}
		sums[name] = sum
		return nil
	}

	return fs.WalkDir(fsys, p, func(f string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := fs.Stat(fsys, f)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil // dangling link
			}
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		sum, err := hashFSFile(fsys, f)
		if err != nil {
			return errcode.Annotatef(err, "hash %q", f)
		}
		rel := f
		if p != "." {
			rel = strings.TrimPrefix(f, p+"/")
		}
		sums[path.Join(name, rel)] = sum
		return nil
	})
}

// contentHash is a checker that compares a content hash against the one
// recorded when the task last executed successfully.
type contentHash struct {
	key     string
	desc    string
	current func(env *Env) (string, error)
}

// FileHash creates a checker that is satisfied when the combined content
// hash of the files is the same as the one recorded when the task last
// executed successfully. Paths may reference config entries, and a path
// that is exactly a reference to a list entry expands to all its
// elements. Relative paths are relative to the project directory.
func FileHash(paths ...string) Checker {
	return &contentHash{
		key: "files:" + strings.Join(
			strutil.SortedList(strutil.MakeSet(paths)), "\n",
		),
		desc: fmt.Sprintf("FileHash(%s)", strings.Join(paths, ", ")),
		current: func(env *Env) (string, error) {
			resolved, err := env.Config.ResolveArgs(paths)
			if err != nil {
				return "", err
			}
			return hashFiles(env.Dir, resolved)
		},
	}
}

// ModuleSourceHash creates a checker that is satisfied when the build-file
// snippets and docker context directories of all modules are unchanged
// since the task last executed successfully.
func ModuleSourceHash() Checker {
	return &contentHash{
		key:  "modules",
		desc: "ModuleSourceHash()",
		current: func(env *Env) (string, error) {
			return env.Composer().SourceHash()
		},
	}
}

func (h *contentHash) Check(ctx context.Context, env *Env, task string) (
	bool, error,
) {
	recorded, ok, err := env.Hashes.Get(task, h.key)
	if err != nil {
		return false, errcode.Annotate(err, "read recorded hash")
	}
	if !ok {
		return false, nil
	}
	cur, err := h.current(env)
	if err != nil {
		return false, errcode.Annotate(err, "hash files")
	}
	return cur == recorded, nil
}

func (h *contentHash) Record(ctx context.Context, env *Env, task string) error {
	cur, err := h.current(env)
	if err != nil {
		return errcode.Annotate(err, "hash files")
	}
	return env.Hashes.Put(task, h.key, cur)
}

func (h *contentHash) String() string { return h.desc }
