// Package cases is the business boundary for Tripwire's enforcement pipeline.
// It defines the Case model and its state machine, the Store contract, the
// Correlator (find-or-create per correlation key), the Scorer (severity), the
// Dispatcher (ordered, idempotent, retrying action execution) and the Service
// that ties intake, scoring, dispatch and operator overrides together.
package cases
