// Package contracts provides the event model shared by every eventcore component.
//
// This package defines:
//   - Envelope: the immutable wrapper carrying an event's identity, tenant, type and payload
//   - The error taxonomy used across the bus, the broker transport and the gateway
//
// Envelopes serialize to JSON and round-trip losslessly through the broker.
package contracts
