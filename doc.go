// Package btreeindex implements an embedded, single-writer, disk-resident
// B-tree secondary index: a dedicated file holding an ordered collection of
// (key, record-offset) pairs with point insert/delete, minimum/maximum
// lookup, bounded range scans, full scans, and durable open/close semantics
// backed by a bounded-memory page cache.
//
// The engine assumes one writer and no concurrent readers during mutation;
// callers that need concurrency must serialize externally.
package btreeindex
