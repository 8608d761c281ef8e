// Package types holds the FlatBuffers records for durable engine state:
// batch accumulators, collection jobs and helper preparation state. The
// table code is generated from records.fbs.
//
//go:generate flatc --go -o .. records.fbs
package types
