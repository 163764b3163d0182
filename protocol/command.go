package protocol

// Command is one of the closed set of request verbs. Anything the client
// sends that is not an exact, case-sensitive match maps to CmdUnknown.
type Command int

const (
	CmdUnknown Command = iota
	CmdLogin
	CmdSend
	CmdList
	CmdRead
	CmdDel
	CmdQuit
)

var commandNames = [...]string{
	CmdUnknown: "UNKNOWN",
	CmdLogin:   "LOGIN",
	CmdSend:    "SEND",
	CmdList:    "LIST",
	CmdRead:    "READ",
	CmdDel:     "DEL",
	CmdQuit:    "QUIT",
}

// ParseCommand maps a command line to its verb.
func ParseCommand(name string) Command {
	switch name {
	case "LOGIN":
		return CmdLogin
	case "SEND":
		return CmdSend
	case "LIST":
		return CmdList
	case "READ":
		return CmdRead
	case "DEL":
		return CmdDel
	case "QUIT":
		return CmdQuit
	default:
		return CmdUnknown
	}
}

func (c Command) String() string {
	if c < 0 || int(c) >= len(commandNames) {
		return commandNames[CmdUnknown]
	}
	return commandNames[c]
}

// RequiresAuth reports whether the command is only valid on an
// authenticated session.
func (c Command) RequiresAuth() bool {
	switch c {
	case CmdSend, CmdList, CmdRead, CmdDel:
		return true
	default:
		return false
	}
}
