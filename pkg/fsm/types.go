package fsm

// PushRequest is the FSM input. It carries everything the invite needs;
// the image bytes stay in the Machine.
type PushRequest struct {
	SessionID  string
	DeviceHost string
	TCPPort    int
	LocalIP    string
	HTTPPort   int
	Path       string
	Size       int
	MD5        string
}

// PushResponse is the FSM output (accumulated across transitions)
type PushResponse struct {
	// From StartServer
	ServerAddr string

	// From SendInvite
	InviteSent bool

	// From AwaitDownload
	WaitedSeconds int

	// From Complete/Failed
	Status       string
	ErrorMessage string
}

// State names
const (
	StateStartServer   = "start_server"
	StateSendInvite    = "send_invite"
	StateAwaitDownload = "await_download"
	StateComplete      = "complete"
	StateFailed        = "failed"
)
