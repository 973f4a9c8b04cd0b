package ws

import "time"

// ConnInfo describes one established connection of a Client.
type ConnInfo struct {
	ConnID      string
	Endpoint    string
	UserID      string
	ConnectedAt time.Time
}
