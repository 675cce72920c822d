// Package backend defines the capability interface every bundle storage
// backend implements, the disk and S3-compatible blob implementations, and
// the registry that maps bundle stores to backend instances.
package backend
