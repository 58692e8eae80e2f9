// Package syncprim implements the sync-primitives layer (component C): a set
// of lock and coordination types built directly on top of package atomics'
// Region/Word/Wait/Wake contract rather than on sync.Mutex or the Go
// scheduler's runtime locks. Every primitive carves its state out of a
// Region supplied at construction. The Pool has no single shared region:
// each Worker allocates its own small fixed-size regions for its inbox and
// its field lock when it is built.
package syncprim
