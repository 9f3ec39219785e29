package streaming

import "encoding/json"

// Wire protocol message types (spec §6 "Streaming server wire protocol").
const (
	MsgEvent       = "event"
	MsgSubscribe   = "subscribe"
	MsgUnsubscribe = "unsubscribe"
	MsgPing        = "ping"
	MsgPong        = "pong"
	MsgError       = "error"
)

// ServerEventFrame is the server->client frame carrying one bus event:
// {"type":"event","v":1,"event":{...}}.
type ServerEventFrame struct {
	Type  string          `json:"type"`
	V     int             `json:"v"`
	Event json.RawMessage `json:"event"`
}

// ServerPongFrame answers a client ping: {"type":"pong","t":...}.
type ServerPongFrame struct {
	Type string `json:"type"`
	T    int64  `json:"t"`
}

// ServerErrorFrame reports a malformed or unknown client message:
// {"type":"error","kind":"UnknownMessage"}.
type ServerErrorFrame struct {
	Type string `json:"type"`
	Kind string `json:"kind"`
}

// ClientSubscribeFrame is the client->server subscribe message:
// {"type":"subscribe","filters":[...]}.
type ClientSubscribeFrame struct {
	Type    string   `json:"type"`
	Filters []Filter `json:"filters"`
}

// clientEnvelope is used to sniff a client frame's "type" field before
// deciding which concrete struct to decode it into.
type clientEnvelope struct {
	Type string `json:"type"`
}
