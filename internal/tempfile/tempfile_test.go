// Copyright 2026 The zb Authors
// SPDX-License-Identifier: MIT

package tempfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func fixedSeed(x uint64) func() uint64 {
	return func() uint64 { return x }
}

func TestCreateFile(t *testing.T) {
	t.Run("Unique", func(t *testing.T) {
		a := &Allocator{Root: t.TempDir()}
		seen := make(map[string]struct{})
		for i := range 20 {
			path, err := a.CreateFile("dcc-42", ".o")
			if err != nil {
				t.Fatalf("CreateFile #%d: %v", i+1, err)
			}
			if _, dup := seen[path]; dup {
				t.Fatalf("CreateFile #%d = %q; returned previously", i+1, path)
			}
			seen[path] = struct{}{}

			info, err := os.Lstat(path)
			if err != nil {
				t.Fatal(err)
			}
			if !info.Mode().IsRegular() {
				t.Errorf("%s mode = %v; want regular file", path, info.Mode())
			}
			if got := info.Mode().Perm(); got&0o077 != 0 {
				t.Errorf("%s permissions = %v; want no group or other bits", path, got)
			}
		}
	})

	t.Run("NameFormat", func(t *testing.T) {
		root := t.TempDir()
		a := &Allocator{Root: root, Seed: fixedSeed(0x1234abcd)}
		got, err := a.CreateFile("pre", ".suf")
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(root, "pre_1234abcd.suf"); got != want {
			t.Errorf("CreateFile(...) = %q; want %q", got, want)
		}
	})

	t.Run("Collision", func(t *testing.T) {
		root := t.TempDir()
		taken := filepath.Join(root, "x_00000000.o")
		if err := os.WriteFile(taken, []byte("do not clobber"), 0o666); err != nil {
			t.Fatal(err)
		}
		a := &Allocator{Root: root, Seed: fixedSeed(0)}
		got, err := a.CreateFile("x", ".o")
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(root, "x_00001e61.o"); got != want {
			t.Errorf("CreateFile(...) = %q; want %q", got, want)
		}
		data, err := os.ReadFile(taken)
		if err != nil {
			t.Fatal(err)
		}
		if string(data) != "do not clobber" {
			t.Errorf("existing file content = %q; was overwritten", data)
		}
	})

	t.Run("SymlinkCollision", func(t *testing.T) {
		root := t.TempDir()
		target := filepath.Join(t.TempDir(), "target")
		if err := os.Symlink(target, filepath.Join(root, "x_00000000.o")); err != nil {
			t.Fatal(err)
		}
		a := &Allocator{Root: root, Seed: fixedSeed(0)}
		if _, err := a.CreateFile("x", ".o"); err != nil {
			t.Fatal(err)
		}
		if _, err := os.Lstat(target); !errors.Is(err, os.ErrNotExist) {
			t.Errorf("symlink target was created (Lstat error = %v)", err)
		}
	})

	t.Run("Exhausted", func(t *testing.T) {
		root := t.TempDir()
		for _, name := range []string{"x_00000000.o", "x_00001e61.o"} {
			if err := os.WriteFile(filepath.Join(root, name), nil, 0o666); err != nil {
				t.Fatal(err)
			}
		}
		a := &Allocator{Root: root, Seed: fixedSeed(0), MaxAttempts: 2}
		_, err := a.CreateFile("x", ".o")
		if !errors.Is(err, ErrExhausted) {
			t.Errorf("CreateFile(...) error = %v; want %v", err, ErrExhausted)
		}
	})

	t.Run("MissingRoot", func(t *testing.T) {
		a := &Allocator{Root: filepath.Join(t.TempDir(), "gone"), MaxAttempts: 5}
		_, err := a.CreateFile("x", ".o")
		if err == nil || errors.Is(err, ErrExhausted) {
			t.Errorf("CreateFile(...) error = %v; want immediate non-collision error", err)
		}
		if !errors.Is(err, os.ErrNotExist) {
			t.Errorf("CreateFile(...) error = %v; want to wrap %v", err, os.ErrNotExist)
		}
	})
}

func TestMkdirTemp(t *testing.T) {
	t.Run("Unique", func(t *testing.T) {
		a := &Allocator{Root: t.TempDir()}
		first, err := a.MkdirTemp()
		if err != nil {
			t.Fatal(err)
		}
		second, err := a.MkdirTemp()
		if err != nil {
			t.Fatal(err)
		}
		if first == second {
			t.Errorf("MkdirTemp() returned %q twice", first)
		}
		for _, dir := range []string{first, second} {
			info, err := os.Stat(dir)
			if err != nil {
				t.Fatal(err)
			}
			if !info.IsDir() {
				t.Errorf("%s is not a directory", dir)
			}
		}
	})

	t.Run("Collision", func(t *testing.T) {
		root := t.TempDir()
		if err := os.Mkdir(filepath.Join(root, "dcc-000000"), 0o755); err != nil {
			t.Fatal(err)
		}
		a := &Allocator{Root: root, Seed: fixedSeed(0)}
		got, err := a.MkdirTemp()
		if err != nil {
			t.Fatal(err)
		}
		if want := filepath.Join(root, "dcc-001e61"); got != want {
			t.Errorf("MkdirTemp() = %q; want %q", got, want)
		}
	})
}

func TestRootDir(t *testing.T) {
	var a *Allocator
	if got, want := a.RootDir(), Dir(); got != want {
		t.Errorf("(*Allocator)(nil).RootDir() = %q; want %q", got, want)
	}
	if got, want := (&Allocator{Root: "/scratch"}).RootDir(), "/scratch"; got != want {
		t.Errorf("RootDir() = %q; want %q", got, want)
	}
}
