// Package persistence holds the helpers shared by the storage backends:
// JSON value encoding, optimistic-write retries and driver error
// classification.
package persistence
