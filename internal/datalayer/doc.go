// Package datalayer owns one Disk per region this server is assigned (or
// is receiving via an in-progress transfer), routes operations to the
// correct Disk, drives background flush/preallocation/optimistic-IO, and
// persists its own (instance, configuration) snapshot across restarts so
// reopened disks match the configuration that created them (spec.md §4.2,
// §6.3).
package datalayer
