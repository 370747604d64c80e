// Package cmd contains the standalone service binaries.
//
//   - engine: the settlement engine with the user and admin API
//   - decryptd: the attested keyholder that opens sealed values
//   - venue: a demo price oracle and swap venue for local deployments
//   - demo: all three services in one process
//   - dca-cli: a user CLI against a running engine
package cmd
