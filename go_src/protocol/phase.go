package protocol

// Kind discriminates the coarse connection state observed by callers.
type Kind int

const (
	KindDisconnected Kind = iota
	KindAuthenticating
	KindCommand
)

func (k Kind) String() string {
	switch k {
	case KindDisconnected:
		return "disconnected"
	case KindAuthenticating:
		return "authenticating"
	case KindCommand:
		return "command"
	default:
		return "unknown"
	}
}

// Phase is the coarse connection state: Disconnected{error?, for_reset} |
// Authenticating | Command{server_version}. It is a value type so that
// equality can be compared structurally rather than by identity.
type Phase struct {
	Kind          Kind
	Err           error
	ForReset      bool
	ServerVersion string
}

// Disconnected builds a Disconnected phase. for_reset marks the initial
// phase and phases produced by reset() on the response controller, as
// opposed to phases produced by an actual disconnect event.
func Disconnected(err error, forReset bool) Phase {
	return Phase{Kind: KindDisconnected, Err: err, ForReset: forReset}
}

// Authenticating builds the Authenticating phase.
func Authenticating() Phase {
	return Phase{Kind: KindAuthenticating}
}

// Command builds a Command phase carrying the server's reported version.
func Command(serverVersion string) Phase {
	return Phase{Kind: KindCommand, ServerVersion: serverVersion}
}

// IsCommand reports whether outbound non-auth frames are currently
// permitted.
func (p Phase) IsCommand() bool { return p.Kind == KindCommand }

// Equal compares two phases structurally: for Disconnected, the for_reset
// flag and a structural projection of the error (kind + message) are
// compared rather than error identity, so that two independently
// constructed "same" errors still compare equal. This lets the orchestrator
// deduplicate redundant transitions before emitting them to state_stream().
func (p Phase) Equal(other Phase) bool {
	if p.Kind != other.Kind {
		return false
	}
	switch p.Kind {
	case KindDisconnected:
		return p.ForReset == other.ForReset && sameKind(p.Err, other.Err)
	case KindCommand:
		return p.ServerVersion == other.ServerVersion
	default:
		return true
	}
}

func (p Phase) String() string {
	switch p.Kind {
	case KindDisconnected:
		if p.Err != nil {
			return "Disconnected{error=" + p.Err.Error() + "}"
		}
		return "Disconnected{}"
	case KindCommand:
		return "Command{" + p.ServerVersion + "}"
	default:
		return p.Kind.String()
	}
}
