// Package ir provides the value and record types shared by every other
// internal package.
//
// ir imports nothing internal. It defines:
//   - IRValue, a sealed JSON value tree used for request payloads and
//     cached response bodies
//   - MarshalCanonical (RFC 8785) and Fingerprint, which decide whether a
//     retried request carries the same payload as the original
//   - IdempotencyKey and RecoveryPoint, the persisted state machine record
//   - Ride and StagedJob, the domain records written by the ride phases
package ir
