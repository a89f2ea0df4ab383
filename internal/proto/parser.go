package proto

import (
	"bytes"

	"github.com/respu/go-mainmemory/internal/buffer"
	"github.com/respu/go-mainmemory/internal/constants"
)

// Status is the outcome of one parse attempt.
type Status int

const (
	// StatusOk: a command (possibly an error reply) was produced.
	StatusOk Status = iota
	// StatusMore: the input is incomplete; retry after the next read.
	StatusMore
	// StatusQuitFast: too much junk scrolled by without a command
	// boundary; drop the connection.
	StatusQuitFast
)

type pstatus int

const (
	pOK pstatus = iota
	pMore
	pErr // malformed; recover by consuming to the next LF
)

// Parser turns the receive buffer into commands. It keeps a
// persistent cursor: incomplete parses are re-attempted from the last
// committed position once more bytes arrive.
type Parser struct {
	buf *buffer.Buffer
	pos buffer.Cursor
}

// NewParser creates a parser over the connection's receive buffer.
func NewParser(b *buffer.Buffer) *Parser {
	return &Parser{buf: b, pos: b.Cursor()}
}

// Next attempts to parse one command. On StatusOk the command's End
// marks the input that may be released once the reply is out.
func (p *Parser) Next() (*Command, Status) {
	if _, ok := p.pos.Peek(); !ok {
		return nil, StatusMore
	}
	cur := p.pos
	cmd := &Command{}
	st, errReply := parseCommand(&cur, cmd)
	switch st {
	case pOK:
		cmd.End = cur.Mark()
		p.pos = cur
		return cmd, StatusOk
	case pMore:
		return nil, StatusMore
	}
	// Malformed input: consume up to the next LF and reply with the
	// diagnostic. Junk without any line boundary eventually kills the
	// connection.
	if !skipToLF(&cur) {
		if p.pos.Remaining() > constants.MaxJunkBytes {
			return nil, StatusQuitFast
		}
		return nil, StatusMore
	}
	bad := &Command{Kind: KindBad, Reply: errReply, Result: ResultReply}
	bad.End = cur.Mark()
	p.pos = cur
	return bad, StatusOk
}

// skipToLF consumes through the next LF, reporting whether one was
// found.
func skipToLF(cur *buffer.Cursor) bool {
	for {
		b, ok := cur.Next()
		if !ok {
			return false
		}
		if b == '\n' {
			return true
		}
	}
}

func skipSpaces(cur *buffer.Cursor) {
	for {
		b, ok := cur.Peek()
		if !ok || b != ' ' {
			return
		}
		cur.Next()
	}
}

// readToken reads a space/EOL-delimited token of at most MaxKeyLen
// bytes into dst. The delimiter is left unconsumed.
func readToken(cur *buffer.Cursor, dst []byte) ([]byte, pstatus) {
	for {
		b, ok := cur.Peek()
		if !ok {
			return dst, pMore
		}
		if b == ' ' || b == '\r' || b == '\n' {
			return dst, pOK
		}
		if len(dst) >= constants.MaxKeyLen {
			return dst, pErr
		}
		cur.Next()
		dst = append(dst, b)
	}
}

// readU64 reads a decimal token.
func readU64(cur *buffer.Cursor) (uint64, pstatus) {
	var v uint64
	n := 0
	for {
		b, ok := cur.Peek()
		if !ok {
			return 0, pMore
		}
		if b == ' ' || b == '\r' || b == '\n' {
			if n == 0 {
				return 0, pErr
			}
			return v, pOK
		}
		if b < '0' || b > '9' || n >= 20 {
			return 0, pErr
		}
		cur.Next()
		v = v*10 + uint64(b-'0')
		n++
	}
}

func readU32(cur *buffer.Cursor) (uint32, pstatus) {
	v, st := readU64(cur)
	if st == pOK && v > 0xffffffff {
		return 0, pErr
	}
	return uint32(v), st
}

// expectEOL consumes an optional CR followed by LF.
func expectEOL(cur *buffer.Cursor) pstatus {
	b, ok := cur.Peek()
	if !ok {
		return pMore
	}
	if b == '\r' {
		cur.Next()
		b2, ok := cur.Peek()
		if !ok {
			return pMore
		}
		if b2 != '\n' {
			return pErr
		}
		cur.Next()
		return pOK
	}
	if b == '\n' {
		cur.Next()
		return pOK
	}
	return pErr
}

// readNoreply consumes an optional trailing "noreply" literal.
func readNoreply(cur *buffer.Cursor, cmd *Command) pstatus {
	skipSpaces(cur)
	b, ok := cur.Peek()
	if !ok {
		return pMore
	}
	if b == '\r' || b == '\n' {
		return pOK
	}
	var tok [8]byte
	t, st := readToken(cur, tok[:0])
	if st != pOK {
		return st
	}
	if !bytes.Equal(t, []byte("noreply")) {
		return pErr
	}
	cmd.Noreply = true
	return pOK
}

var commandKinds = map[string]Kind{
	"get": KindGet, "gets": KindGets, "set": KindSet, "add": KindAdd,
	"replace": KindReplace, "append": KindAppend, "prepend": KindPrepend,
	"cas": KindCas, "incr": KindIncr, "decr": KindDecr,
	"delete": KindDelete, "touch": KindTouch, "slabs": KindSlabs,
	"stats": KindStats, "flush_all": KindFlushAll,
	"verbosity": KindVerbosity, "version": KindVersion, "quit": KindQuit,
}

// parseCommand parses one full command starting at cur. On pErr the
// returned reply is the diagnostic to send after recovery.
func parseCommand(cur *buffer.Cursor, cmd *Command) (pstatus, string) {
	var tokBuf [16]byte
	tok, st := readToken(cur, tokBuf[:0])
	if st == pMore {
		return pMore, ""
	}
	if st == pErr || len(tok) == 0 {
		return pErr, ReplyError
	}
	kind, ok := commandKinds[string(tok)]
	if !ok {
		return pErr, ReplyError
	}
	cmd.Kind = kind

	switch kind {
	case KindGet, KindGets:
		return parseRetrieval(cur, cmd), ReplyError

	case KindSet, KindAdd, KindReplace, KindAppend, KindPrepend, KindCas:
		return parseStorage(cur, cmd)

	case KindIncr, KindDecr:
		return parseDelta(cur, cmd), ReplyBadLine

	case KindDelete:
		return parseDelete(cur, cmd), ReplyBadLine

	case KindTouch:
		return parseTouch(cur, cmd), ReplyBadLine

	case KindSlabs, KindStats:
		// Arguments, if any, are accepted and ignored.
		if !skipToLF(cur) {
			return pMore, ""
		}
		return pOK, ""

	case KindFlushAll:
		return parseFlushAll(cur, cmd), ReplyBadLine

	case KindVerbosity:
		return parseVerbosity(cur, cmd), ReplyBadLine

	case KindVersion, KindQuit:
		return expectEOL(cur), ReplyError
	}
	return pErr, ReplyError
}

func parseRetrieval(cur *buffer.Cursor, cmd *Command) pstatus {
	for {
		skipSpaces(cur)
		b, ok := cur.Peek()
		if !ok {
			return pMore
		}
		if b == '\r' || b == '\n' {
			if len(cmd.Keys) == 0 {
				return pErr
			}
			return expectEOL(cur)
		}
		key, st := readToken(cur, make([]byte, 0, 32))
		if st != pOK {
			return st
		}
		cmd.Keys = append(cmd.Keys, key)
	}
}

func parseStorage(cur *buffer.Cursor, cmd *Command) (pstatus, string) {
	skipSpaces(cur)
	key, st := readToken(cur, make([]byte, 0, 32))
	if st != pOK || len(key) == 0 {
		if st == pMore {
			return pMore, ""
		}
		return pErr, ReplyBadLine
	}
	cmd.Keys = [][]byte{key}
	skipSpaces(cur)
	if cmd.Flags, st = readU32(cur); st != pOK {
		return st, ReplyBadLine
	}
	skipSpaces(cur)
	if cmd.Exptime, st = readU32(cur); st != pOK {
		return st, ReplyBadLine
	}
	skipSpaces(cur)
	if cmd.Bytes, st = readU32(cur); st != pOK {
		return st, ReplyBadLine
	}
	if cmd.Kind == KindCas {
		skipSpaces(cur)
		if cmd.Cas, st = readU64(cur); st != pOK {
			return st, ReplyBadLine
		}
	}
	if st = readNoreply(cur, cmd); st != pOK {
		return st, ReplyBadLine
	}
	if st = expectEOL(cur); st != pOK {
		return st, ReplyBadLine
	}
	// The exact <bytes> payload follows, captured as a splice
	// descriptor so the processor copies it straight into the entry.
	if cur.Remaining() < int(cmd.Bytes) {
		return pMore, ""
	}
	cmd.Value = cur.Capture(int(cmd.Bytes))
	if st = expectEOL(cur); st != pOK {
		if st == pMore {
			return pMore, ""
		}
		return pErr, ReplyBadDataChunk
	}
	return pOK, ""
}

func parseDelta(cur *buffer.Cursor, cmd *Command) pstatus {
	skipSpaces(cur)
	key, st := readToken(cur, make([]byte, 0, 32))
	if st != pOK || len(key) == 0 {
		return firstErr(st)
	}
	cmd.Keys = [][]byte{key}
	skipSpaces(cur)
	if cmd.Delta, st = readU64(cur); st != pOK {
		return st
	}
	if st = readNoreply(cur, cmd); st != pOK {
		return st
	}
	return expectEOL(cur)
}

func parseDelete(cur *buffer.Cursor, cmd *Command) pstatus {
	skipSpaces(cur)
	key, st := readToken(cur, make([]byte, 0, 32))
	if st != pOK || len(key) == 0 {
		return firstErr(st)
	}
	cmd.Keys = [][]byte{key}
	if st = readNoreply(cur, cmd); st != pOK {
		return st
	}
	return expectEOL(cur)
}

func parseTouch(cur *buffer.Cursor, cmd *Command) pstatus {
	skipSpaces(cur)
	key, st := readToken(cur, make([]byte, 0, 32))
	if st != pOK || len(key) == 0 {
		return firstErr(st)
	}
	cmd.Keys = [][]byte{key}
	skipSpaces(cur)
	if cmd.Exptime, st = readU32(cur); st != pOK {
		return st
	}
	if st = readNoreply(cur, cmd); st != pOK {
		return st
	}
	return expectEOL(cur)
}

func parseFlushAll(cur *buffer.Cursor, cmd *Command) pstatus {
	skipSpaces(cur)
	b, ok := cur.Peek()
	if !ok {
		return pMore
	}
	if b >= '0' && b <= '9' {
		var st pstatus
		if cmd.FlushDelay, st = readU32(cur); st != pOK {
			return st
		}
	}
	if st := readNoreply(cur, cmd); st != pOK {
		return st
	}
	return expectEOL(cur)
}

func parseVerbosity(cur *buffer.Cursor, cmd *Command) pstatus {
	skipSpaces(cur)
	var st pstatus
	if cmd.Verbosity, st = readU32(cur); st != pOK {
		return st
	}
	if st = readNoreply(cur, cmd); st != pOK {
		return st
	}
	return expectEOL(cur)
}

func firstErr(st pstatus) pstatus {
	if st == pMore {
		return pMore
	}
	return pErr
}
