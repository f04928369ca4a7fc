// Package contracts defines the wire contract of the worker.
//
// A Message is a UTF-8 JSON object with the fields:
//   - id: string, required, used for logging and correlation
//   - payload: any JSON value, required
//   - message_type: string, required, handlers branch on it
//   - created_at: string, optional, informational only
//
// Unknown fields are ignored. Decoding failures are reported as
// SerializationError; handler failures as ProcessingError.
package contracts
