// Package archive holds the domain types shared by the downloader: work units,
// fetch outcomes, registry records, and the interfaces the job depends on.
//
// The remote archive publishes one CSV per sensor per day. Nothing in this
// package performs I/O; adapters live under internal/fetcher, internal/storage,
// internal/registry, and internal/publisher.
package archive
