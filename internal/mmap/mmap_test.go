// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package mmap

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestHandle(t *testing.T) {
	t.Run("nil-handle", func(t *testing.T) {
		var h *Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		err = h.Close()
		if !errors.Is(err, os.ErrInvalid) {
			t.Fatalf("invalid close error: %+v", err)
		}
	})
	t.Run("nil-data", func(t *testing.T) {
		var h Handle

		_, err := h.ReadAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid read-at error: %+v", err)
		}

		_, err = h.WriteAt(nil, 0)
		if !errors.Is(err, errClosed) {
			t.Fatalf("invalid write-at error: %+v", err)
		}

		err = h.Close()
		if err != nil {
			t.Fatalf("error closing nil-data handle: %+v", err)
		}
	})
}

func TestMap(t *testing.T) {
	const size = 4096

	fname := filepath.Join(t.TempDir(), "mem")
	f, err := os.Create(fname)
	if err != nil {
		t.Fatalf("could not create file: %+v", err)
	}
	defer f.Close()

	err = f.Truncate(2 * size)
	if err != nil {
		t.Fatalf("could not resize file: %+v", err)
	}

	h, err := Map(f, size, size)
	if err != nil {
		t.Fatalf("could not map file: %+v", err)
	}

	if got, want := h.Len(), size; got != want {
		t.Fatalf("invalid len: got=%d, want=%d", got, want)
	}

	_, err = h.WriteAt([]byte{1, 2, 3, 4}, 16)
	if err != nil {
		t.Fatalf("could not write: %+v", err)
	}

	buf := make([]byte, 4)
	_, err = h.ReadAt(buf, 16)
	if err != nil {
		t.Fatalf("could not read: %+v", err)
	}
	if got, want := buf, []byte{1, 2, 3, 4}; string(got) != string(want) {
		t.Fatalf("invalid read: got=%v, want=%v", got, want)
	}

	_, err = h.WriteAt([]byte{1, 2}, size-1)
	if !errors.Is(err, io.ErrShortWrite) {
		t.Fatalf("invalid short write error: %+v", err)
	}

	_, err = h.ReadAt(buf, size-2)
	if !errors.Is(err, io.EOF) {
		t.Fatalf("invalid short read error: %+v", err)
	}

	_, err = h.WriteAt(nil, -1)
	if got, want := err.Error(), "mmap: invalid WriteAt offset -1"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	_, err = h.ReadAt(nil, size+1)
	if got, want := err.Error(), "mmap: invalid ReadAt offset 4097"; got != want {
		t.Fatalf("invalid error: %+v", err)
	}

	err = h.Close()
	if err != nil {
		t.Fatalf("could not unmap: %+v", err)
	}

	raw, err := os.ReadFile(fname)
	if err != nil {
		t.Fatalf("could not read back file: %+v", err)
	}
	if got, want := raw[size+16:size+20], []byte{1, 2, 3, 4}; string(got) != string(want) {
		t.Fatalf("invalid file content: got=%v, want=%v", got, want)
	}
}
