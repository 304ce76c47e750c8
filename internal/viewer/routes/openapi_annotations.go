// Package routes: swaggo annotation stubs.
// Each function below is a documentation stub only; the real handler logic lives
// in the closures passed to handleGet/handlePost. openapi.go carries the
// rendered document that `swag init` produces from these.
package routes

// ── Call ─────────────────────────────────────────────────────────────────────

// swagCallState is a documentation stub for GET /api/call/state.
//
//	@Summary	Current call session state
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	call.SessionState
//	@Router		/api/call/state [get]
func swagCallState() {}

// swagCallIncoming is a documentation stub for GET /api/call/incoming.
//
//	@Summary	Incoming ringing call, if any
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	incomingResponse
//	@Router		/api/call/incoming [get]
func swagCallIncoming() {}

// swagCallActive is a documentation stub for GET /api/call/active.
//
//	@Summary	Active call, if any
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	activeResponse
//	@Router		/api/call/active [get]
func swagCallActive() {}

// swagCallInitiate is a documentation stub for POST /api/call/initiate.
//
//	@Summary	Start a call
//	@Description	Creates the ringing record and invites the peer. Fails with 409 when either side already has a call.
//	@Tags		call
//	@Accept		json
//	@Produce	json
//	@Param		body	body		initiateRequest	true	"Callee and call type"
//	@Success	200		{object}	call.SessionState
//	@Failure	400		{object}	errorBody	"invalid peer or call type"
//	@Failure	409		{object}	errorBody	"user is busy"
//	@Router		/api/call/initiate [post]
func swagCallInitiate() {}

// swagCallAccept is a documentation stub for POST /api/call/accept.
//
//	@Summary	Accept the incoming call
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	call.SessionState
//	@Failure	404	{object}	errorBody	"no incoming call"
//	@Router		/api/call/accept [post]
func swagCallAccept() {}

// swagCallReject is a documentation stub for POST /api/call/reject.
//
//	@Summary	Reject the incoming call
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	call.SessionState
//	@Failure	404	{object}	errorBody	"no incoming call"
//	@Router		/api/call/reject [post]
func swagCallReject() {}

// swagCallCancel is a documentation stub for POST /api/call/cancel.
//
//	@Summary	Cancel the outgoing call
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	call.SessionState
//	@Failure	404	{object}	errorBody	"no outgoing call"
//	@Router		/api/call/cancel [post]
func swagCallCancel() {}

// swagCallHangup is a documentation stub for POST /api/call/hangup.
//
//	@Summary	End the current call
//	@Description	Ringing calls are cancelled or rejected; repeated hangups are no-ops.
//	@Tags		call
//	@Produce	json
//	@Success	200	{object}	call.SessionState
//	@Router		/api/call/hangup [post]
func swagCallHangup() {}

// swagCallHistory is a documentation stub for GET /api/call/history.
//
//	@Summary	Recent call records, newest first
//	@Tags		call
//	@Produce	json
//	@Param		limit	query	int	false	"Maximum records"
//	@Success	200		{array}	calls.CallRecord
//	@Router		/api/call/history [get]
func swagCallHistory() {}

// swagCallEvents is a documentation stub for GET /api/call/events.
//
//	@Summary	SSE stream of session states
//	@Description	The current state is sent first, then every change as a 'state' event.
//	@Tags		call
//	@Produce	text/event-stream
//	@Success	200	{string}	string	"SSE stream"
//	@Router		/api/call/events [get]
func swagCallEvents() {}

// swagCallWS is a documentation stub for GET /api/call/ws.
//
//	@Summary	WebSocket stream of session states
//	@Tags		call
//	@Success	101	{string}	string	"Switching Protocols"
//	@Router		/api/call/ws [get]
func swagCallWS() {}

// ── Presence ─────────────────────────────────────────────────────────────────

// swagPresence is a documentation stub for GET /api/presence.
//
//	@Summary	Whether a user is online
//	@Tags		presence
//	@Produce	json
//	@Param		user_id	query		string	true	"User id"
//	@Success	200		{object}	onlineResponse
//	@Router		/api/presence [get]
func swagPresence() {}

// swagPresenceCount is a documentation stub for GET /api/presence/count.
//
//	@Summary	Number of online users, self included
//	@Tags		presence
//	@Produce	json
//	@Success	200	{object}	countResponse
//	@Router		/api/presence/count [get]
func swagPresenceCount() {}

// swagPresenceEvents is a documentation stub for GET /api/presence/events.
//
//	@Summary	SSE stream of presence changes
//	@Tags		presence
//	@Produce	text/event-stream
//	@Success	200	{string}	string	"SSE stream"
//	@Router		/api/presence/events [get]
func swagPresenceEvents() {}
