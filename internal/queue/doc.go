// Package queue implements the filesystem job queue transitions: Acquire
// claims a pending descriptor with an atomic rename into processing, Release
// archives a finished run, and Houseclean requeues work orphaned by crashed
// workers. The rename is the only concurrency primitive; there is no
// coordinator, so any number of worker processes may share one project
// directory.
package queue
