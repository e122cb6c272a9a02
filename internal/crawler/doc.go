// Package crawler holds the domain types, capabilities and errors shared by
// the scheme crawler: jobs and the global status row, normalized scheme
// records, and the Discoverer, Fetcher, store and publisher interfaces that
// the orchestrator and job controller are built against.
package crawler
