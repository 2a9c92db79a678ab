package engine

import "github.com/hazyhaar/realm/bus"

// ClientType groups clients by transport so an event is never echoed back
// to the side that produced it.
type ClientType string

const (
	ClientWebSocket   ClientType = "websocket"
	ClientPostMessage ClientType = "postmessage"
	ClientInternal    ClientType = "internal"
)

// Client is one connected consumer of sync events: a browser agent over
// websocket, an embedded panel over postMessage, or an in-process listener.
type Client interface {
	ID() string
	Type() ClientType
	Send(bus.Event) error
	IsConnected() bool
}

// originType maps an event source to the client type that produced it.
// Broadcasts skip clients of the originating type: the DOM agent already
// applied the style it reported, sending it back would loop.
func originType(s bus.Source) (ClientType, bool) {
	switch s {
	case bus.SourceDOM:
		return ClientWebSocket, true
	case bus.SourcePanel:
		return ClientPostMessage, true
	case bus.SourceEditor:
		return ClientInternal, true
	}
	return "", false
}
