package buffer

import (
	"bytes"
	"testing"
)

// testArena hands out small chunks so segment-spanning paths get
// exercised without megabytes of input.
type testArena struct {
	chunkSize int
	allocs    int
	frees     int
}

func (a *testArena) ID() int { return 0 }

func (a *testArena) AllocChunk() []byte {
	a.allocs++
	return make([]byte, a.chunkSize)
}

func (a *testArena) FreeChunk(owner int, b []byte) {
	a.frees++
}

func newTestBuffer(chunkSize int) (*Buffer, *testArena) {
	a := &testArena{chunkSize: chunkSize}
	return New(a), a
}

func TestAppendAndRead(t *testing.T) {
	b, _ := newTestBuffer(8)
	b.AppendString("hello world, this spans segments")
	var got []byte
	for {
		s := b.ReadSlice()
		if s == nil {
			break
		}
		got = append(got, s...)
		b.Consume(len(s))
	}
	if string(got) != "hello world, this spans segments" {
		t.Errorf("read back %q", got)
	}
	if !b.Empty() {
		t.Error("buffer not empty after full consume")
	}
}

func TestWritableCommit(t *testing.T) {
	b, _ := newTestBuffer(8)
	dst := b.WritableSlice()
	n := copy(dst, "abc")
	b.Commit(n)
	if b.Readable() != 3 {
		t.Errorf("Readable = %d, want 3", b.Readable())
	}
	s := b.ReadSlice()
	if !bytes.Equal(s, []byte("abc")) {
		t.Errorf("ReadSlice = %q", s)
	}
}

func TestSpliceRelease(t *testing.T) {
	b, _ := newTestBuffer(8)
	released := false
	b.AppendString("x")
	b.SpliceIn([]byte("borrowed"), func() { released = true })
	b.AppendString("y")

	var got []byte
	for {
		s := b.ReadSlice()
		if s == nil {
			break
		}
		got = append(got, s...)
		b.Consume(len(s))
	}
	if string(got) != "xborrowedy" {
		t.Errorf("read back %q", got)
	}
	if !released {
		t.Error("splice release callback did not run")
	}
}

func TestCursorCaptureAcrossSegments(t *testing.T) {
	b, _ := newTestBuffer(4)
	b.AppendString("0123456789")
	cur := b.Cursor()
	if n := cur.Skip(2); n != 2 {
		t.Fatalf("Skip = %d", n)
	}
	ref := cur.Capture(6)
	dst := make([]byte, 6)
	ref.CopyTo(dst)
	if string(dst) != "234567" {
		t.Errorf("captured %q, want 234567", dst)
	}
	if v, ok := cur.Next(); !ok || v != '8' {
		t.Errorf("cursor after capture at %q,%v, want '8'", v, ok)
	}
}

func TestCursorSurvivesAppend(t *testing.T) {
	b, _ := newTestBuffer(4)
	cur := b.Cursor() // taken while empty
	if _, ok := cur.Peek(); ok {
		t.Fatal("Peek succeeded on empty buffer")
	}
	b.AppendString("ab")
	if v, ok := cur.Next(); !ok || v != 'a' {
		t.Fatalf("Next = %q,%v after append", v, ok)
	}
	b.AppendString("cdefgh") // forces a second segment
	var got []byte
	for {
		v, ok := cur.Next()
		if !ok {
			break
		}
		got = append(got, v)
	}
	if string(got) != "bcdefgh" {
		t.Errorf("cursor read %q", got)
	}
}

func TestReleaseToMark(t *testing.T) {
	b, a := newTestBuffer(4)
	b.AppendString("aaaabbbbcccc")
	cur := b.Cursor()
	cur.Skip(8)
	mark := cur.Mark()
	b.Release(mark)
	if a.frees < 1 {
		t.Errorf("Release freed %d segments, want >= 1", a.frees)
	}
	if got := b.Readable(); got != 4 {
		t.Errorf("Readable after release = %d, want 4", got)
	}
	s := b.ReadSlice()
	if !bytes.Equal(s, []byte("cccc")) {
		t.Errorf("remaining = %q, want cccc", s)
	}
}

func TestRemaining(t *testing.T) {
	b, _ := newTestBuffer(4)
	b.AppendString("abcdefgh")
	cur := b.Cursor()
	if n := cur.Remaining(); n != 8 {
		t.Errorf("Remaining = %d, want 8", n)
	}
	cur.Skip(3)
	if n := cur.Remaining(); n != 5 {
		t.Errorf("Remaining = %d, want 5", n)
	}
}
