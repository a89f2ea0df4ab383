package server

import (
	"io"
	"strconv"

	"github.com/respu/go-mainmemory/internal/buffer"
	"github.com/respu/go-mainmemory/internal/interfaces"
	"github.com/respu/go-mainmemory/internal/mc"
	"github.com/respu/go-mainmemory/internal/proto"
	"github.com/respu/go-mainmemory/internal/sched"
)

// Conn is one client connection. Three tasks share it, all on the
// primary core: the reader parses commands onto the FIFO, the
// processor runs them against the engine in parse order, and the
// writer drains finished prefixes onto the socket.
type Conn struct {
	srv  *Server
	core *sched.Core
	sock interfaces.Socket

	rbuf   *buffer.Buffer
	wbuf   *buffer.Buffer
	parser *proto.Parser

	fifoHead, fifoTail *proto.Command
	pendingProc        *proto.Command

	procWait  sched.WaitQueue
	writeWait sched.WaitQueue

	readerTask *sched.Task
	procTask   *sched.Task
	writerTask *sched.Task

	quit   bool // stop reading/parsing
	closed bool
}

func newConn(s *Server, c *sched.Core, sock interfaces.Socket) *Conn {
	conn := &Conn{
		srv:  s,
		core: c,
		sock: sock,
		rbuf: buffer.New(c),
		wbuf: buffer.New(c),
	}
	conn.parser = proto.NewParser(conn.rbuf)
	return conn
}

// start spawns the connection's tasks.
func (conn *Conn) start() {
	conn.readerTask = conn.core.Spawn(sched.PriorityDefault, "reader", readerMain, conn)
	conn.procTask = conn.core.Spawn(sched.PriorityDefault, "processor", processorMain, conn)
	conn.writerTask = conn.core.Spawn(sched.PriorityDefault, "writer", writerMain, conn)
	if conn.srv.obs != nil {
		conn.srv.obs.ObserveConn(true)
	}
}

// push appends a parsed command to the FIFO.
func (conn *Conn) push(cmd *proto.Command) {
	if conn.fifoTail == nil {
		conn.fifoHead = cmd
		conn.fifoTail = cmd
	} else {
		conn.fifoTail.Next = cmd
		conn.fifoTail = cmd
	}
	if conn.pendingProc == nil {
		conn.pendingProc = cmd
	}
}

func (conn *Conn) kickProcessor() { conn.core.Signal(&conn.procWait) }
func (conn *Conn) kickWriter()    { conn.core.Signal(&conn.writeWait) }

// pushQuit appends a hangup marker so results already in flight still
// flush in order before the connection closes.
func (conn *Conn) pushQuit() {
	conn.push(&proto.Command{Kind: proto.KindQuit, Result: proto.ResultQuit})
	conn.quit = true
	conn.kickWriter()
}

// readerMain fills the receive buffer and parses complete commands.
func readerMain(c *sched.Core, arg any) {
	conn := arg.(*Conn)
	for !conn.quit && !conn.closed {
		data := conn.rbuf.WritableSlice()
		n, err := conn.sock.Read(data)
		switch {
		case err == interfaces.ErrAgain:
			if werr := conn.srv.ioq.WaitRead(conn.sock.Fd(), 0); werr != nil {
				conn.pushQuit()
				return
			}
			continue
		case err == io.EOF || err != nil:
			conn.pushQuit()
			return
		}
		conn.rbuf.Commit(n)
		if conn.srv.obs != nil {
			conn.srv.obs.ObserveBytes(uint64(n), 0)
		}
		conn.parseAvailable()
	}
}

// parseAvailable drains every complete command out of the buffer.
func (conn *Conn) parseAvailable() {
	for {
		cmd, st := conn.parser.Next()
		switch st {
		case proto.StatusMore:
			return
		case proto.StatusQuitFast:
			conn.pushQuit()
			return
		}
		conn.push(cmd)
		if cmd.Kind == proto.KindQuit {
			conn.quit = true
			conn.kickProcessor()
			return
		}
		conn.kickProcessor()
	}
}

// processorMain executes commands strictly in parse order. Commands
// already stamped by the parser (error replies) pass straight
// through.
func processorMain(c *sched.Core, arg any) {
	conn := arg.(*Conn)
	for {
		cmd := conn.pendingProc
		if cmd == nil {
			if conn.closed || c.Current().Cancelled() {
				return
			}
			c.WaitBack(&conn.procWait)
			continue
		}
		conn.pendingProc = nil
		if cmd.Result == proto.ResultNone {
			conn.process(cmd)
		}
		conn.pendingProc = cmd.Next
		conn.kickWriter()
	}
}

var storeReplies = map[mc.StoreResult]string{
	mc.Stored:      proto.ReplyStored,
	mc.NotStored:   proto.ReplyNotStored,
	mc.Exists:      proto.ReplyExists,
	mc.NotFound:    proto.ReplyNotFound,
	mc.OutOfMemory: proto.ReplyOOM,
}

// process runs one command against the engine and stamps its result.
func (conn *Conn) process(cmd *proto.Command) {
	s := conn.srv
	c := conn.core
	eng := s.eng
	start := c.Now()

	switch cmd.Kind {
	case proto.KindGet, proto.KindGets:
		hit := false
		for _, key := range cmd.Keys {
			if e := eng.Lookup(c, key); e != nil {
				cmd.Entries = append(cmd.Entries, e)
				hit = true
			}
		}
		cmd.WithCas = cmd.Kind == proto.KindGets
		cmd.Result = proto.ResultEntries
		s.observe(c, cmd, start, hit)
		return

	case proto.KindSet:
		res := eng.Set(c, cmd.Key(), cmd.Flags, cmd.Exptime, cmd.Value)
		cmd.SetReply(storeReplies[res])
		s.observeStore(c, cmd, start, res)

	case proto.KindAdd:
		res := eng.Add(c, cmd.Key(), cmd.Flags, cmd.Exptime, cmd.Value)
		cmd.SetReply(storeReplies[res])
		s.observeStore(c, cmd, start, res)

	case proto.KindReplace:
		res := eng.Replace(c, cmd.Key(), cmd.Flags, cmd.Exptime, cmd.Value)
		cmd.SetReply(storeReplies[res])
		s.observeStore(c, cmd, start, res)

	case proto.KindAppend:
		res := eng.Concat(c, cmd.Key(), cmd.Value, false)
		cmd.SetReply(storeReplies[res])
		s.observeStore(c, cmd, start, res)

	case proto.KindPrepend:
		res := eng.Concat(c, cmd.Key(), cmd.Value, true)
		cmd.SetReply(storeReplies[res])
		s.observeStore(c, cmd, start, res)

	case proto.KindCas:
		res := eng.Cas(c, cmd.Key(), cmd.Flags, cmd.Exptime, cmd.Cas, cmd.Value)
		cmd.SetReply(storeReplies[res])
		s.observeStore(c, cmd, start, res)

	case proto.KindIncr, proto.KindDecr:
		res := eng.Delta(c, cmd.Key(), cmd.Delta, cmd.Kind == proto.KindIncr)
		switch {
		case res.OOM:
			cmd.SetReply(proto.ReplyOOM)
		case !res.Found:
			cmd.SetReply(proto.ReplyNotFound)
		case res.NonNumeric:
			cmd.SetReply(proto.ReplyNonNumeric)
		default:
			cmd.SetReply(strconv.FormatUint(res.Value, 10) + "\r\n")
		}
		s.observe(c, cmd, start, res.Found)

	case proto.KindDelete:
		if eng.Delete(c, cmd.Key()) {
			cmd.SetReply(proto.ReplyDeleted)
		} else {
			cmd.SetReply(proto.ReplyNotFound)
		}
		s.observe(c, cmd, start, true)

	case proto.KindTouch, proto.KindSlabs:
		cmd.SetReply(proto.ReplyNotImplemented)

	case proto.KindStats:
		cmd.SetReply(s.statsText(c))

	case proto.KindFlushAll:
		eng.FlushAll(c, int64(cmd.FlushDelay)*1_000_000)
		cmd.SetReply(proto.ReplyOK)

	case proto.KindVerbosity:
		s.setVerbosity(cmd.Verbosity)
		cmd.SetReply(proto.ReplyOK)

	case proto.KindVersion:
		cmd.SetReply("VERSION " + s.version + "\r\n")

	case proto.KindQuit:
		cmd.Result = proto.ResultQuit

	default:
		cmd.SetReply(proto.ReplyError)
	}
}

// writerMain drains the prefix of finished commands, transmits and
// releases consumed input. It refuses to pass a command whose result
// is still pending, preserving parse order on the wire.
func writerMain(c *sched.Core, arg any) {
	conn := arg.(*Conn)
	release := func(e *mc.Entry) { conn.srv.eng.Release(c, e) }
	var lastEnd buffer.Mark
	haveEnd := false
	for {
		worked := false
		for conn.fifoHead != nil && conn.fifoHead.Result != proto.ResultNone {
			cmd := conn.fifoHead
			if cmd.Result == proto.ResultQuit {
				conn.flushOut()
				conn.teardown()
				return
			}
			proto.Encode(cmd, conn.wbuf, release)
			lastEnd = cmd.End
			haveEnd = true
			conn.fifoHead = cmd.Next
			if conn.fifoHead == nil {
				conn.fifoTail = nil
			}
			worked = true
		}
		if worked || !conn.wbuf.Empty() {
			if !conn.flushOut() {
				conn.teardown()
				return
			}
			if haveEnd {
				conn.rbuf.Release(lastEnd)
				haveEnd = false
			}
			continue
		}
		if c.Current().Cancelled() || conn.closed {
			conn.teardown()
			return
		}
		c.WaitBack(&conn.writeWait)
	}
}

// flushOut writes the transmit buffer to the socket, parking on
// output readiness as needed. Returns false on a hard I/O error.
func (conn *Conn) flushOut() bool {
	for {
		slice := conn.wbuf.ReadSlice()
		if slice == nil {
			return true
		}
		n, err := conn.sock.Write(slice)
		if n > 0 {
			conn.wbuf.Consume(n)
			if conn.srv.obs != nil {
				conn.srv.obs.ObserveBytes(0, uint64(n))
			}
			continue
		}
		if err == interfaces.ErrAgain {
			fd := conn.sock.Fd()
			if fd < 0 {
				conn.core.Yield()
				continue
			}
			if werr := conn.srv.ioq.WaitWrite(fd, 0); werr != nil {
				return false
			}
			continue
		}
		return false
	}
}

// teardown closes the socket once, cancels the sibling tasks and
// drops any references still held by unsent commands.
func (conn *Conn) teardown() {
	if conn.closed {
		return
	}
	conn.closed = true
	conn.quit = true
	if fd := conn.sock.Fd(); fd >= 0 {
		conn.srv.ioq.Forget(fd)
	}
	_ = conn.sock.Close()
	for cmd := conn.fifoHead; cmd != nil; cmd = cmd.Next {
		for _, e := range cmd.Entries {
			conn.srv.eng.Release(conn.core, e)
		}
		cmd.Entries = nil
	}
	conn.fifoHead = nil
	conn.fifoTail = nil
	conn.pendingProc = nil
	conn.wbuf.Reset() // runs splice releases for unsent values
	conn.rbuf.Reset()
	cur := conn.core.Current()
	if conn.readerTask != nil && conn.readerTask != cur {
		conn.core.Cancel(conn.readerTask)
	}
	if conn.procTask != nil && conn.procTask != cur {
		conn.core.Cancel(conn.procTask)
	}
	if conn.writerTask != nil && conn.writerTask != cur {
		conn.core.Cancel(conn.writerTask)
	}
	if conn.srv.obs != nil {
		conn.srv.obs.ObserveConn(false)
	}
}
