// Package proto implements the memcache ASCII protocol: the streaming
// parser over the segmented receive buffer, the command descriptors
// and the response encoder.
package proto

import (
	"github.com/respu/go-mainmemory/internal/buffer"
	"github.com/respu/go-mainmemory/internal/mc"
)

// Kind identifies a protocol command.
type Kind int

const (
	KindBad Kind = iota
	KindGet
	KindGets
	KindSet
	KindAdd
	KindReplace
	KindAppend
	KindPrepend
	KindCas
	KindIncr
	KindDecr
	KindDelete
	KindTouch
	KindSlabs
	KindStats
	KindFlushAll
	KindVerbosity
	KindVersion
	KindQuit
)

var kindNames = map[Kind]string{
	KindBad: "bad", KindGet: "get", KindGets: "gets", KindSet: "set",
	KindAdd: "add", KindReplace: "replace", KindAppend: "append",
	KindPrepend: "prepend", KindCas: "cas", KindIncr: "incr",
	KindDecr: "decr", KindDelete: "delete", KindTouch: "touch",
	KindSlabs: "slabs", KindStats: "stats", KindFlushAll: "flush_all",
	KindVerbosity: "verbosity", KindVersion: "version", KindQuit: "quit",
}

// Name returns the command's wire name.
func (k Kind) Name() string { return kindNames[k] }

// ResultType tags what a finished command transmits.
type ResultType int

const (
	// ResultNone marks a command still in flight; the writer refuses
	// to pass it.
	ResultNone ResultType = iota
	// ResultReply transmits literal bytes.
	ResultReply
	// ResultEntries transmits VALUE lines for each held entry, then END.
	ResultEntries
	// ResultBlank transmits nothing (noreply).
	ResultBlank
	// ResultQuit closes the connection after draining.
	ResultQuit
)

// Command is one parsed protocol command. It lives on the
// connection's FIFO from parse until its reply has been written; End
// marks how far the receive buffer may be released once it has.
type Command struct {
	Kind    Kind
	Noreply bool

	Keys    [][]byte
	Flags   uint32
	Exptime uint32
	Bytes   uint32
	Cas     uint64
	Delta   uint64
	Value   buffer.ValueRef

	Verbosity  uint32
	FlushDelay uint32

	Result  ResultType
	Reply   string
	Entries []*mc.Entry
	WithCas bool

	End  buffer.Mark
	Next *Command
}

// Key returns the command's single key.
func (c *Command) Key() []byte {
	if len(c.Keys) == 0 {
		return nil
	}
	return c.Keys[0]
}

// SetReply stamps a literal reply, honouring noreply.
func (c *Command) SetReply(reply string) {
	if c.Noreply {
		c.Result = ResultBlank
		return
	}
	c.Reply = reply
	c.Result = ResultReply
}

// Canned protocol replies.
const (
	ReplyError          = "ERROR\r\n"
	ReplyStored         = "STORED\r\n"
	ReplyNotStored      = "NOT_STORED\r\n"
	ReplyExists         = "EXISTS\r\n"
	ReplyNotFound       = "NOT_FOUND\r\n"
	ReplyDeleted        = "DELETED\r\n"
	ReplyOK             = "OK\r\n"
	ReplyEnd            = "END\r\n"
	ReplyOOM            = "SERVER_ERROR out of memory\r\n"
	ReplyNotImplemented = "SERVER_ERROR not implemented\r\n"
	ReplyBadDelta       = "CLIENT_ERROR invalid numeric delta argument\r\n"
	ReplyNonNumeric     = "CLIENT_ERROR cannot increment or decrement non-numeric value\r\n"
	ReplyBadDataChunk   = "CLIENT_ERROR bad data chunk\r\n"
	ReplyBadLine        = "CLIENT_ERROR bad command line format\r\n"
)
