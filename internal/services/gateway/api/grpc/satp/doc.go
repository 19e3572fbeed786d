// Package satp carries protocol messages between gateways over gRPC.
//
// The service has a single unary method, Deliver, whose request and response
// are CBOR-encoded protocol messages framed in a BytesValue. The response is
// the message the receiving gateway produced for the request, or empty when
// it produced none. Domain errors cross the wire as status details and are
// restored on the client, so callers can match them with errors.Is.
package satp
