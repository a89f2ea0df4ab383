package mainmemory

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testParams(strategy Strategy, cores int) Params {
	p := DefaultParams()
	p.Cores = cores
	p.Partitions = 4
	p.Strategy = strategy
	p.ListenAddr = ""
	p.ControlSocket = ""
	return p
}

// serveOn runs one scripted connection against an already-running
// server, so state carries across connections.
func serveOn(t *testing.T, srv *Server, input string) string {
	t.Helper()
	sock := NewMemSocket([]byte(input))
	srv.ServeMem(sock)
	select {
	case <-sock.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("connection stalled on input %q", input)
	}
	return string(sock.Output())
}

func runScript(t *testing.T, params Params, input string) string {
	t.Helper()
	out, err := RunScript(params, input)
	if err != nil {
		t.Fatalf("RunScript(%q) failed: %v", input, err)
	}
	return out
}

func forEachStrategy(t *testing.T, fn func(t *testing.T, params Params)) {
	for _, tc := range []struct {
		strategy Strategy
		cores    int
	}{
		{StrategyDirect, 1},
		{StrategyDirect, 2},
		{StrategyDelegate, 2},
		{StrategyCombine, 2},
	} {
		tc := tc
		name := fmt.Sprintf("%s-%dcore", tc.strategy, tc.cores)
		t.Run(name, func(t *testing.T) {
			fn(t, testParams(tc.strategy, tc.cores))
		})
	}
}

func TestSimpleSetGet(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, params Params) {
		out := runScript(t, params, "set foo 7 0 3\r\nbar\r\nget foo\r\n")
		want := "STORED\r\nVALUE foo 7 3\r\nbar\r\nEND\r\n"
		if out != want {
			t.Errorf("output = %q, want %q", out, want)
		}
	})
}

func TestNoreplyStorage(t *testing.T) {
	out := runScript(t, testParams(StrategyDirect, 1), "set x 0 0 1 noreply\r\n1\r\nget x\r\n")
	want := "VALUE x 0 1\r\n1\r\nEND\r\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestCasMismatch(t *testing.T) {
	srv, err := CreateAndServe(testParams(StrategyDirect, 1), nil)
	if err != nil {
		t.Fatalf("CreateAndServe failed: %v", err)
	}
	defer srv.Stop()

	out := serveOn(t, srv, "set k 0 0 1\r\na\r\ngets k\r\n")
	if !strings.HasPrefix(out, "STORED\r\nVALUE k 0 1 ") {
		t.Fatalf("gets output = %q", out)
	}
	var stamp uint64
	if _, err := fmt.Sscanf(out, "STORED\r\nVALUE k 0 1 %d\r\n", &stamp); err != nil {
		t.Fatalf("could not read stamp from %q: %v", out, err)
	}

	out = serveOn(t, srv, fmt.Sprintf("cas k 0 0 1 %d\r\nb\r\nget k\r\n", stamp+1))
	want := "EXISTS\r\nVALUE k 0 1\r\na\r\nEND\r\n"
	if out != want {
		t.Errorf("stale cas output = %q, want %q", out, want)
	}

	out = serveOn(t, srv, fmt.Sprintf("cas k 0 0 1 %d\r\nb\r\nget k\r\n", stamp))
	want = "STORED\r\nVALUE k 0 1\r\nb\r\nEND\r\n"
	if out != want {
		t.Errorf("matching cas output = %q, want %q", out, want)
	}
}

func TestPipelinedCrossPartition(t *testing.T) {
	forEachStrategy(t, func(t *testing.T, params Params) {
		input := "set a 0 0 1\r\n1\r\nset b 0 0 1\r\n2\r\nget a b\r\n"
		want := "STORED\r\nSTORED\r\nVALUE a 0 1\r\n1\r\nVALUE b 0 1\r\n2\r\nEND\r\n"
		out := runScript(t, params, input)
		if out != want {
			t.Errorf("output = %q, want %q", out, want)
		}
	})
}

func TestMalformedCommandRecovers(t *testing.T) {
	out := runScript(t, testParams(StrategyDirect, 1), "gimme cookies\r\nset k 0 0 1\r\nq\r\n")
	want := "ERROR\r\nSTORED\r\n"
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestDeleteIdempotence(t *testing.T) {
	input := "set k 0 0 1\r\nv\r\ndelete k\r\ndelete k\r\n"
	want := "STORED\r\nDELETED\r\nNOT_FOUND\r\n"
	out := runScript(t, testParams(StrategyDirect, 1), input)
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestIncrSemantics(t *testing.T) {
	out := runScript(t, testParams(StrategyDirect, 1), "set k 0 0 1\r\n0\r\nincr k 1\r\n")
	if out != "STORED\r\n1\r\n" {
		t.Errorf("numeric incr output = %q", out)
	}
	out = runScript(t, testParams(StrategyDirect, 1), "set k 0 0 3\r\nabc\r\nincr k 1\r\n")
	want := "STORED\r\nCLIENT_ERROR cannot increment or decrement non-numeric value\r\n"
	if out != want {
		t.Errorf("non-numeric incr output = %q, want %q", out, want)
	}
}

func TestAppendPrepend(t *testing.T) {
	input := "set k 0 0 3\r\nmid\r\nappend k 0 0 2\r\n>>\r\nprepend k 0 0 2\r\n<<\r\nget k\r\n"
	want := "STORED\r\nSTORED\r\nSTORED\r\nVALUE k 0 7\r\n<<mid>>\r\nEND\r\n"
	out := runScript(t, testParams(StrategyDirect, 1), input)
	if out != want {
		t.Errorf("output = %q, want %q", out, want)
	}
}

func TestQuitCommand(t *testing.T) {
	out := runScript(t, testParams(StrategyDirect, 1), "set k 0 0 1\r\nv\r\nquit\r\n")
	if out != "STORED\r\n" {
		t.Errorf("output = %q, want STORED only", out)
	}
}

func TestFlushAllCommand(t *testing.T) {
	srv, err := CreateAndServe(testParams(StrategyDirect, 1), nil)
	if err != nil {
		t.Fatalf("CreateAndServe failed: %v", err)
	}
	defer srv.Stop()

	out := serveOn(t, srv, "set k 0 0 1\r\nv\r\nflush_all\r\n")
	if out != "STORED\r\nOK\r\n" {
		t.Fatalf("flush output = %q", out)
	}
	out = serveOn(t, srv, "get k\r\n")
	if out != "END\r\n" {
		t.Errorf("get after flush = %q, want END only", out)
	}
}

func TestVersionStatsNotImplemented(t *testing.T) {
	out := runScript(t, testParams(StrategyDirect, 1), "version\r\n")
	if out != "VERSION "+Version+"\r\n" {
		t.Errorf("version output = %q", out)
	}

	out = runScript(t, testParams(StrategyDirect, 1), "touch k 0\r\nslabs automove 1\r\n")
	want := "SERVER_ERROR not implemented\r\nSERVER_ERROR not implemented\r\n"
	if out != want {
		t.Errorf("stub commands output = %q, want %q", out, want)
	}

	out = runScript(t, testParams(StrategyDirect, 1), "stats\r\n")
	if !strings.HasPrefix(out, "STAT version ") || !strings.HasSuffix(out, "END\r\n") {
		t.Errorf("stats output = %q", out)
	}
}

func TestExptimeRecordedNotEnforced(t *testing.T) {
	srv, err := CreateAndServe(testParams(StrategyDirect, 1), nil)
	if err != nil {
		t.Fatalf("CreateAndServe failed: %v", err)
	}
	defer srv.Stop()
	out := serveOn(t, srv, "set k 0 1 1\r\nv\r\n")
	if out != "STORED\r\n" {
		t.Fatalf("set output = %q", out)
	}
	time.Sleep(1500 * time.Millisecond)
	out = serveOn(t, srv, "get k\r\n")
	if out != "VALUE k 0 1\r\nv\r\nEND\r\n" {
		t.Errorf("entry expired, but exptime must not be enforced: %q", out)
	}
}

func TestMetricsCounting(t *testing.T) {
	srv, err := CreateAndServe(testParams(StrategyDirect, 1), nil)
	require.NoError(t, err)
	defer srv.Stop()

	serveOn(t, srv, "set k 0 0 1\r\nv\r\nget k\r\nget missing\r\n")
	snap := srv.Metrics().Snapshot()
	require.Equal(t, uint64(1), snap.SetOps)
	require.Equal(t, uint64(2), snap.GetOps)
	require.Equal(t, uint64(1), snap.Hits)
	require.Equal(t, uint64(1), snap.Misses)
	require.Equal(t, uint64(1), snap.ConnsOpened)
}

// TestUnixSocketEndToEnd drives the full fd path: listener, event
// backend readiness, reader/writer tasks.
func TestUnixSocketEndToEnd(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "mm_cmd.sock")
	params := testParams(StrategyDirect, 1)
	params.ControlSocket = sockPath

	srv, err := CreateAndServe(params, nil)
	require.NoError(t, err)
	defer srv.Stop()

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(10*time.Second)))

	_, err = conn.Write([]byte("set foo 7 0 3\r\nbar\r\nget foo\r\n"))
	require.NoError(t, err)

	want := "STORED\r\nVALUE foo 7 3\r\nbar\r\nEND\r\n"
	buf := make([]byte, 0, len(want))
	tmp := make([]byte, 256)
	for len(buf) < len(want) {
		n, err := conn.Read(tmp)
		require.NoError(t, err)
		buf = append(buf, tmp[:n]...)
	}
	require.Equal(t, want, string(buf))

	// quit closes the connection from the server side.
	_, err = conn.Write([]byte("quit\r\n"))
	require.NoError(t, err)
	n, err := conn.Read(tmp)
	require.True(t, err != nil && n == 0, "expected server-side close, got n=%d err=%v", n, err)
}
