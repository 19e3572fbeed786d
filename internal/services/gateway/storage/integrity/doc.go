// Package integrity signs and verifies the hash chain of the audit log.
//
// Each stored entry carries its content hash and a chain hash linking it to
// the previous entry of its session. Stores sign the chain hash with a key
// derived per session from a root HMAC key, so a rewritten or reordered log
// is detected on replay.
package integrity
