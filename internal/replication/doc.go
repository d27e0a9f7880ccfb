// Package replication implements the replication manager: the per-key
// keyholder state machine and chain dispatch logic that drive client and
// chain-originated mutations from a region's head to its tail and back.
package replication
