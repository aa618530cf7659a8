// Package rollup aggregates per-span cost and token metrics up the trace tree
// of a single ingestion batch.
package rollup
