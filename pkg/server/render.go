package server

import (
	"bufio"
	"strconv"
	"strings"

	"github.com/ja7ad/gatocollector/pkg/top"
)

// Source is what the server reads snapshots from.
type Source interface {
	Latest() top.Snapshot
	History() []top.Snapshot
}

// Command is a parsed protocol line.
type Command int

// Protocol commands. Anything that does not start with a known keyword is
// CmdUnknown.
const (
	CmdUnknown Command = iota
	CmdTop
	CmdHistory
	CmdQuit
)

func (c Command) String() string {
	switch c {
	case CmdTop:
		return "TOP"
	case CmdHistory:
		return "HISTORY"
	case CmdQuit:
		return "QUIT"
	default:
		return "UNKNOWN"
	}
}

// ErrorLine is the whole reply to an unknown command. It is not followed by
// END.
const ErrorLine = "ERROR Unknown command\n"

// ParseCommand maps one line (without its newline) to a Command. Keywords are
// matched as prefixes, so "TOPX" is TOP; a trailing '\r' is ignored.
func ParseCommand(line string) Command {
	line = strings.TrimSuffix(line, "\r")
	switch {
	case strings.HasPrefix(line, "TOP"):
		return CmdTop
	case strings.HasPrefix(line, "HISTORY"):
		return CmdHistory
	case strings.HasPrefix(line, "QUIT"):
		return CmdQuit
	default:
		return CmdUnknown
	}
}

// Render writes one snapshot block:
//
//	TIMESTAMP <epoch seconds>
//	ENTRIES <n>
//	<pid> <cpu%.2f> <rss kb> <comm>   (n times)
//	END
func Render(w *bufio.Writer, s top.Snapshot) error {
	var b []byte
	b = append(b, "TIMESTAMP "...)
	b = strconv.AppendInt(b, s.Timestamp, 10)
	b = append(b, "\nENTRIES "...)
	b = strconv.AppendInt(b, int64(len(s.Entries)), 10)
	b = append(b, '\n')
	for _, e := range s.Entries {
		b = strconv.AppendUint(b, uint64(e.PID), 10)
		b = append(b, ' ')
		b = strconv.AppendFloat(b, float64(e.CPUPercent), 'f', 2, 32)
		b = append(b, ' ')
		b = strconv.AppendUint(b, uint64(e.RSSKB), 10)
		b = append(b, ' ')
		b = append(b, e.Comm...)
		b = append(b, '\n')
	}
	b = append(b, "END\n"...)
	_, err := w.Write(b)
	return err
}

// Reply writes the response to cmd into w. It reports whether the connection
// should be closed afterwards.
func Reply(w *bufio.Writer, cmd Command, src Source) (quit bool, err error) {
	switch cmd {
	case CmdTop:
		return false, Render(w, src.Latest())
	case CmdHistory:
		for _, s := range src.History() {
			if err := Render(w, s); err != nil {
				return false, err
			}
		}
		return false, nil
	case CmdQuit:
		return true, nil
	default:
		_, err := w.WriteString(ErrorLine)
		return false, err
	}
}
