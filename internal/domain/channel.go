package domain

// ChannelState is the transport lifecycle of a status channel.
type ChannelState string

// Channel states. Within one connection attempt a channel moves
// connecting -> open -> closing -> closed, or to failed from connecting or open.
const (
	ChannelClosed     ChannelState = "closed"
	ChannelConnecting ChannelState = "connecting"
	ChannelOpen       ChannelState = "open"
	ChannelClosing    ChannelState = "closing"
	ChannelFailed     ChannelState = "failed"
)

// Active reports whether the channel holds, or is acquiring, a transport.
func (s ChannelState) Active() bool {
	return s == ChannelConnecting || s == ChannelOpen
}

// StatusValue is the status signal shown to the user. It is fed both by
// transport transitions and by status frames pushed from the server.
type StatusValue string

// Status values understood by the stream protocol.
const (
	StatusConnecting   StatusValue = "connecting"
	StatusConnected    StatusValue = "connected"
	StatusDeploying    StatusValue = "deploying"
	StatusDisconnected StatusValue = "disconnected"
	StatusError        StatusValue = "error"
)

// ParseStatusValue returns the status for a known wire value.
func ParseStatusValue(value string) (StatusValue, bool) {
	switch s := StatusValue(value); s {
	case StatusConnecting, StatusConnected, StatusDeploying, StatusDisconnected, StatusError:
		return s, true
	}
	return "", false
}
