// Package metrics exposes Prometheus collectors for link checks, listing
// pages, scans, outbound HTTP traffic and the HTTP API.
//
// All collectors live in a private registry returned by Registry, so that
// embedding linkscan never collides with a host program's default registry.
package metrics
