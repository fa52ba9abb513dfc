// Package errors defines error types for the mcplink protocol client.
//
// The taxonomy follows the failure surfaces of the system: configuration
// (including decryption of the config store), transport, protocol, and
// tool invocation. All error types support error unwrapping and can be
// checked using errors.Is, errors.As, and errors.AsType.
package errors
