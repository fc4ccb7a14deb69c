// Package ws is the client side of the session transport.
//
// A Transport owns one physical websocket and reports open/message/close/error
// events to a single owner. Client is that owner: it runs an event loop that
// feeds inbound envelopes to a Dispatcher in arrival order, schedules
// reconnects with capped exponential backoff after non-clean closes, and gives
// up after a bounded number of attempts. Many consumers share one Client;
// none of them may close the socket directly.
package ws
