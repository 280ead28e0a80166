// Package contracts provides the transport-neutral types shared by every courier component.
//
// This package defines:
//   - Route: The fixed exchange/topic pair and explicit name of a concrete event or listener,
//     plus the queue names derived from it
//   - Envelope: An encoded payload together with its delivery properties
//   - Errors: The setup, delivery, handler and correlation error taxonomy
package contracts
