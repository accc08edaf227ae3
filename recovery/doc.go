// Package recovery keeps the private keys of a data owner recoverable.
//
// Transfer keys are published edges source -> target holding the target
// private key, encrypted with an exchange key the owner shares with itself.
// TransferKeysManager collapses the existing edges into an acyclic graph of
// key groups and adds the fewest edges that let every verified group reach
// the keys available on this device.
//
// KeyRecovery walks those edges, and the Shamir splits maintained by
// ShamirKeysManager, starting from the keys a device still holds.
package recovery
