// Package signaling is the call-signaling core: it routes join, call,
// answer, candidate and end signals between the members of a consultation
// room over WebSocket connections, and tears calls down when a participant
// disconnects.
//
// Negotiation payloads (SDP offers/answers, ICE candidates) are opaque here;
// they are forwarded to the resolved counterpart without inspection.
package signaling
