/*
Package types defines the shared data structures used across Magpie.

It carries the cluster-facing types (node descriptors, sync operations,
failover events) and the crawl-facing types (stats, results, statuses) so
that packages can exchange them without import cycles. Types here are plain
data: behavior lives with the packages that own the corresponding state
(pkg/cluster owns node mutation, pkg/replication owns the operation log,
pkg/crawler owns crawl bookkeeping).
*/
package types
