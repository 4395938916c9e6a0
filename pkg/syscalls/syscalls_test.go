// Copyright 2024 The Vmkern Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package syscalls

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/tmdh/vmkern/pkg/kernel"
	"github.com/tmdh/vmkern/pkg/linuxerr"
)

func newTestSystem(t *testing.T) *kernel.System {
	t.Helper()
	s, err := kernel.NewSystem(kernel.ModeLong)
	if err != nil {
		t.Fatalf("NewSystem: %v", err)
	}
	return s
}

func TestPipe2RejectsUnsupportedFlags(t *testing.T) {
	s := newTestSystem(t)
	if _, _, err := Pipe2(s, 0x1000); err != linuxerr.EINVAL {
		t.Fatalf("got %v, want EINVAL", err)
	}
}

func TestPipe2CreatesUsableEnds(t *testing.T) {
	s := newTestSystem(t)
	r, w, err := Pipe2(s, oCloexec)
	if err != nil {
		t.Fatalf("Pipe2: %v", err)
	}
	if r == w {
		t.Fatalf("read and write ends must differ")
	}
	rd, err := s.Fds.GetFd(r)
	if err != nil {
		t.Fatalf("GetFd(r): %v", err)
	}
	wd, err := s.Fds.GetFd(w)
	if err != nil {
		t.Fatalf("GetFd(w): %v", err)
	}
	if !rd.Flags.CloseOnExec || !wd.Flags.CloseOnExec {
		t.Fatalf("expected both ends to carry CloseOnExec")
	}

	msg := []byte("hello")
	if _, err := unix.Write(wd.Host, msg); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, len(msg))
	if _, err := unix.Read(rd.Host, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if string(buf) != "hello" {
		t.Fatalf("got %q, want hello", buf)
	}
}

func TestOpenAtPlainFile(t *testing.T) {
	s := newTestSystem(t)
	dir := t.TempDir()
	f, err := os.Create(dir + "/present")
	if err != nil {
		t.Fatalf("os.Create: %v", err)
	}
	f.Close()

	guest, err := OpenAt(s, unix.AT_FDCWD, dir+"/present", unix.O_RDONLY, 0)
	if err != nil {
		t.Fatalf("OpenAt: %v", err)
	}
	if _, err := s.Fds.GetFd(guest); err != nil {
		t.Fatalf("GetFd: %v", err)
	}
}

func TestOpenAtMissingFile(t *testing.T) {
	s := newTestSystem(t)
	dir := t.TempDir()
	if _, err := OpenAt(s, unix.AT_FDCWD, dir+"/missing", unix.O_RDONLY, 0); err == nil {
		t.Fatalf("expected an error opening a nonexistent file")
	}
}

func TestOpenAtTmpfile(t *testing.T) {
	s := newTestSystem(t)
	dir := t.TempDir()

	guest, err := OpenAt(s, unix.AT_FDCWD, dir, int32(oTmpfile|oWronly), 0600)
	if err != nil {
		t.Fatalf("OpenAt tmpfile: %v", err)
	}
	d, err := s.Fds.GetFd(guest)
	if err != nil {
		t.Fatalf("GetFd: %v", err)
	}
	if _, err := unix.Write(d.Host, []byte("data")); err != nil {
		t.Fatalf("Write to tmpfile: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("tmpfile should be unlinked, found %d directory entries", len(entries))
	}
}

func TestOpenAtTmpfileRejectsReadOnly(t *testing.T) {
	s := newTestSystem(t)
	dir := t.TempDir()
	if _, err := OpenAt(s, unix.AT_FDCWD, dir, int32(oTmpfile), 0600); err != linuxerr.EINVAL {
		t.Fatalf("got %v, want EINVAL for O_TMPFILE without O_WRONLY/O_RDWR", err)
	}
}
