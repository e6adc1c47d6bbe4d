// Package websocket puts event bus subscriptions on the wire. Each connected
// peer follows exactly one job topic: retained events replay first, live
// events stream until the terminal event, then the server closes the socket
// with a normal close code.
//
// Frames are JSON text messages. Server to client:
//
//	{"type":"status","task_id":"...","seq":12,"ts":"...","status":"processing","progress":42.5,...}
//	{"type":"log","task_id":"...","seq":13,"ts":"...","message":"Collecting requests"}
//	{"type":"heartbeat","task_id":"...","ts":"..."}
//	{"type":"terminal","task_id":"...","seq":31,"ts":"...","status":"completed","output":{...}}
//
// A "gap":true field rides the first frame after a buffer overflow dropped
// events for this subscriber. Client to server: {"type":"ping"} and
// {"type":"ack","seq":N}; everything else is ignored.
package websocket

import (
	"time"

	"github.com/resline/dify-plugin-repackaging-sub000/internal/jobs"
)

// Frame is the envelope for every server-to-client message: a bus event plus
// the per-subscriber gap marker. jobs.Event carries the type/task_id/seq/ts
// keys.
type Frame struct {
	jobs.Event
	Gap bool `json:"gap,omitempty"`
}

// pongKind answers client pings. It never appears on the bus.
const pongKind = jobs.EventKind("pong")

func heartbeatFrame(jobID string) Frame {
	return Frame{Event: jobs.Event{JobID: jobID, Kind: jobs.EventHeartbeat, TS: time.Now().UTC()}}
}

func pongFrame(jobID string) Frame {
	return Frame{Event: jobs.Event{JobID: jobID, Kind: pongKind, TS: time.Now().UTC()}}
}

// clientFrame is the accepted inbound vocabulary.
type clientFrame struct {
	Type string `json:"type"`
	Seq  int64  `json:"seq,omitempty"`
}
