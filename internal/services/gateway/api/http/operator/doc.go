// Package operator serves the operator HTTP API of a gateway: starting
// transfers, reading session status and aborting sessions.
package operator
