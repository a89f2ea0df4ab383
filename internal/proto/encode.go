package proto

import (
	"strconv"

	"github.com/respu/go-mainmemory/internal/buffer"
	"github.com/respu/go-mainmemory/internal/mc"
)

// Encode appends a finished command's reply to the transmit buffer.
// Entry values are spliced in by reference; release runs for each
// entry once its bytes have left the buffer.
func Encode(cmd *Command, out *buffer.Buffer, release func(*mc.Entry)) {
	switch cmd.Result {
	case ResultReply:
		out.AppendString(cmd.Reply)

	case ResultEntries:
		var line [96]byte
		for _, e := range cmd.Entries {
			ent := e
			b := append(line[:0], "VALUE "...)
			b = append(b, ent.Key()...)
			b = append(b, ' ')
			b = strconv.AppendUint(b, uint64(ent.Flags()), 10)
			b = append(b, ' ')
			b = strconv.AppendUint(b, uint64(len(ent.Value())), 10)
			if cmd.WithCas {
				b = append(b, ' ')
				b = strconv.AppendUint(b, ent.Stamp(), 10)
			}
			b = append(b, '\r', '\n')
			out.Append(b)
			out.SpliceIn(ent.Value(), func() { release(ent) })
			out.AppendString("\r\n")
		}
		out.AppendString(ReplyEnd)

	case ResultBlank, ResultQuit:
		// nothing on the wire
	}
	cmd.Entries = nil
}
