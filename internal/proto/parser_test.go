package proto

import (
	"strings"
	"testing"

	"github.com/respu/go-mainmemory/internal/buffer"
)

type testArena struct{ chunk int }

func (a testArena) ID() int               { return 0 }
func (a testArena) AllocChunk() []byte    { return make([]byte, a.chunk) }
func (a testArena) FreeChunk(int, []byte) {}

func newParser(chunk int) (*Parser, *buffer.Buffer) {
	b := buffer.New(testArena{chunk: chunk})
	return NewParser(b), b
}

func captured(cmd *Command) string {
	dst := make([]byte, cmd.Value.Len)
	cmd.Value.CopyTo(dst)
	return string(dst)
}

func TestParseGet(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("get foo\r\n")
	cmd, st := p.Next()
	if st != StatusOk {
		t.Fatalf("status = %v", st)
	}
	if cmd.Kind != KindGet || len(cmd.Keys) != 1 || string(cmd.Keys[0]) != "foo" {
		t.Errorf("cmd = %+v", cmd)
	}
	if _, st := p.Next(); st != StatusMore {
		t.Error("trailing parse did not report need-more-data")
	}
}

func TestParseMultiKeyGets(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("gets a b ccc\r\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindGets {
		t.Fatalf("cmd %+v status %v", cmd, st)
	}
	if len(cmd.Keys) != 3 || string(cmd.Keys[2]) != "ccc" {
		t.Errorf("keys = %v", cmd.Keys)
	}
}

func TestParseSet(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("set foo 7 0 3\r\nbar\r\n")
	cmd, st := p.Next()
	if st != StatusOk {
		t.Fatalf("status = %v", st)
	}
	if cmd.Kind != KindSet || string(cmd.Key()) != "foo" ||
		cmd.Flags != 7 || cmd.Exptime != 0 || cmd.Bytes != 3 {
		t.Errorf("cmd = %+v", cmd)
	}
	if got := captured(cmd); got != "bar" {
		t.Errorf("payload = %q, want bar", got)
	}
}

func TestParseSetNoreply(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("set x 0 0 1 noreply\r\n1\r\n")
	cmd, st := p.Next()
	if st != StatusOk || !cmd.Noreply {
		t.Fatalf("cmd %+v status %v, want noreply", cmd, st)
	}
}

func TestParseCas(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("cas k 0 0 1 31337\r\nb\r\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindCas || cmd.Cas != 31337 {
		t.Fatalf("cmd %+v status %v", cmd, st)
	}
}

func TestParseIncrDecr(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("incr n 5\r\ndecr n 2 noreply\r\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindIncr || cmd.Delta != 5 {
		t.Fatalf("incr cmd %+v status %v", cmd, st)
	}
	cmd, st = p.Next()
	if st != StatusOk || cmd.Kind != KindDecr || cmd.Delta != 2 || !cmd.Noreply {
		t.Fatalf("decr cmd %+v status %v", cmd, st)
	}
}

func TestParseIncrementalResume(t *testing.T) {
	p, b := newParser(64)
	feed := []string{"se", "t k 0 0 ", "5\r\nhel", "lo\r", "\n"}
	var cmd *Command
	var st Status
	for i, piece := range feed {
		b.AppendString(piece)
		cmd, st = p.Next()
		if i < len(feed)-1 {
			if st != StatusMore {
				t.Fatalf("piece %d: status %v, want More", i, st)
			}
		}
	}
	if st != StatusOk {
		t.Fatalf("final status = %v", st)
	}
	if got := captured(cmd); got != "hello" {
		t.Errorf("payload = %q, want hello", got)
	}
}

func TestPayloadSpansSegments(t *testing.T) {
	p, b := newParser(8) // tiny segments force the splice to span
	payload := strings.Repeat("abcdefgh", 8)
	b.AppendString("set k 0 0 64\r\n" + payload + "\r\n")
	cmd, st := p.Next()
	if st != StatusOk {
		t.Fatalf("status = %v", st)
	}
	if got := captured(cmd); got != payload {
		t.Errorf("payload mismatch: %q", got)
	}
}

func TestUnknownCommandRecovers(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("gimme cookies\r\nversion\r\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindBad {
		t.Fatalf("cmd %+v status %v, want bad command", cmd, st)
	}
	if cmd.Result != ResultReply || cmd.Reply != ReplyError {
		t.Errorf("error reply = %+v", cmd)
	}
	cmd, st = p.Next()
	if st != StatusOk || cmd.Kind != KindVersion {
		t.Errorf("parser did not recover: %+v %v", cmd, st)
	}
}

func TestBadArgumentsReply(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("set k notanumber 0 3\r\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindBad {
		t.Fatalf("cmd %+v status %v", cmd, st)
	}
	if cmd.Reply != ReplyBadLine {
		t.Errorf("reply = %q, want bad command line", cmd.Reply)
	}
}

func TestBadDataChunk(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("set k 0 0 3\r\nbarXX\r\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindBad {
		t.Fatalf("cmd %+v status %v", cmd, st)
	}
	if cmd.Reply != ReplyBadDataChunk {
		t.Errorf("reply = %q, want bad data chunk", cmd.Reply)
	}
}

func TestJunkQuitFast(t *testing.T) {
	p, b := newParser(64)
	b.AppendString(strings.Repeat("x", 2048))
	_, st := p.Next()
	if st != StatusQuitFast {
		t.Errorf("status = %v, want QuitFast", st)
	}
}

func TestParseFlushAllAndVerbosity(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("flush_all 30\r\nflush_all\r\nverbosity 2\r\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindFlushAll || cmd.FlushDelay != 30 {
		t.Fatalf("flush_all 30: %+v %v", cmd, st)
	}
	cmd, st = p.Next()
	if st != StatusOk || cmd.Kind != KindFlushAll || cmd.FlushDelay != 0 {
		t.Fatalf("flush_all: %+v %v", cmd, st)
	}
	cmd, st = p.Next()
	if st != StatusOk || cmd.Kind != KindVerbosity || cmd.Verbosity != 2 {
		t.Fatalf("verbosity: %+v %v", cmd, st)
	}
}

func TestParseQuit(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("quit\r\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindQuit {
		t.Errorf("cmd %+v status %v", cmd, st)
	}
}

func TestBareLFAccepted(t *testing.T) {
	p, b := newParser(64)
	b.AppendString("set k 0 0 1\nz\nget k\n")
	cmd, st := p.Next()
	if st != StatusOk || cmd.Kind != KindSet || captured(cmd) != "z" {
		t.Fatalf("set with bare LF: %+v %v", cmd, st)
	}
	cmd, st = p.Next()
	if st != StatusOk || cmd.Kind != KindGet {
		t.Errorf("get with bare LF: %+v %v", cmd, st)
	}
}
