// Package transport delivers presence status changes to UI clients and
// exposes the HTTP status API.
//
// # Overview
//
// Status notifications leave the engine on the bus subject presence.status.
// A Fanout subscribes once and hands every decoded notification to one or
// more hubs, which push it to connected clients:
//
//   - SSEHub: Server-Sent Events on GET /api/events (event "statusChanged")
//   - WebSocketHub: JSON text frames on GET /api/ws
//
// API serves the request/response endpoints:
//
//   - GET /api/devices/{id}: snapshot, or 404 {"code":"NOT_FOUND"} for an
//     id that has never been seen
//   - GET /api/devices: known device ids
//   - POST /api/devices/{id}/heartbeat: publish a heartbeat onto the bus
//
// # Usage
//
//	sse := transport.NewSSEHub(transport.DefaultConfig())
//	ws := transport.NewWebSocketHub(transport.DefaultConfig(), nil)
//	fan, err := transport.NewFanout(msgBus, logger, sse, ws)
//	go fan.Run(ctx)
//
//	srv := transport.NewServer(transport.ServerConfig{
//	    Addr:      ":8080",
//	    API:       transport.NewAPI(transport.APIConfig{Reader: dispatcher, Bus: msgBus}),
//	    SSE:       sse,
//	    WebSocket: ws,
//	})
//	srv.Start(ctx)
//
// # Delivery
//
// Hubs never block the bus. Each client has a bounded queue; a client that
// falls behind misses notifications and the hub counts them in Dropped.
// Clients that need the current state after a gap query the API.
package transport
