package pop3

import (
	"strings"
)

// CommandType identifies a POP3 verb.
type CommandType int

const (
	CommandUser CommandType = iota
	CommandPass
	CommandApop
	CommandAuth
	CommandStat
	CommandList
	CommandRetr
	CommandDele
	CommandNoop
	CommandRset
	CommandTop
	CommandUidl
	CommandQuit
	CommandCapa
	// commandGreeting consumes the connection banner. It is installed
	// implicitly by Connect and never written to the wire.
	commandGreeting
	// commandRaw carries a literal payload line, used for client
	// responses during an AUTH exchange.
	commandRaw
)

var commandNames = map[CommandType]string{
	CommandUser: "USER",
	CommandPass: "PASS",
	CommandApop: "APOP",
	CommandAuth: "AUTH",
	CommandStat: "STAT",
	CommandList: "LIST",
	CommandRetr: "RETR",
	CommandDele: "DELE",
	CommandNoop: "NOOP",
	CommandRset: "RSET",
	CommandTop:  "TOP",
	CommandUidl: "UIDL",
	CommandQuit: "QUIT",
	CommandCapa: "CAPA",
}

func (t CommandType) String() string {
	if name, ok := commandNames[t]; ok {
		return name
	}
	switch t {
	case commandGreeting:
		return "GREETING"
	case commandRaw:
		return "DATA"
	}
	return "UNKNOWN"
}

// multiline reports whether a +OK reply to this verb is followed by a
// dot-terminated body. LIST and UIDL read a body only when issued
// without a message number argument (RFC 1939 §5).
func (t CommandType) multiline(argc int) bool {
	switch t {
	case CommandRetr, CommandTop, CommandCapa:
		return true
	case CommandList, CommandUidl:
		return argc == 0
	default:
		return false
	}
}

// Command is one POP3 request and the accumulator that will collect
// its reply. A Command carries response state and must not be reused
// across Execute calls; build a fresh one per request.
type Command struct {
	kind CommandType
	args []string
	raw  string
	acc  Accumulator
}

// NewCommand builds a command for the given verb with its arguments in
// wire order, wired to the default accumulator for that verb.
func NewCommand(kind CommandType, args ...string) *Command {
	c := &Command{kind: kind, args: args}
	c.acc = newAccumulator(kind.multiline(len(args)))
	return c
}

// WithAccumulator swaps in a caller-provided reply accumulator, for
// example one that streams a large RETR body instead of buffering it.
func (c *Command) WithAccumulator(acc Accumulator) *Command {
	c.acc = acc
	return c
}

func newGreetingCommand() *Command {
	return &Command{kind: commandGreeting, acc: newAccumulator(false)}
}

func newRawCommand(payload string) *Command {
	return &Command{kind: commandRaw, raw: payload, acc: newAccumulator(false)}
}

// Type returns the verb this command was built for.
func (c *Command) Type() CommandType { return c.kind }

// wireLine renders the CRLF-terminated request line.
func (c *Command) wireLine() []byte {
	if c.kind == commandRaw {
		return []byte(c.raw + "\r\n")
	}
	var b strings.Builder
	b.WriteString(c.kind.String())
	for _, arg := range c.args {
		b.WriteByte(' ')
		b.WriteString(arg)
	}
	b.WriteString("\r\n")
	return []byte(b.String())
}

func (c *Command) feed(line string) (bool, error) {
	return c.acc.Feed(line)
}

func (c *Command) response() *Response {
	return c.acc.Response()
}
