// Package lifecycle drives spiders through their lifecycle. Operators write
// a transition request (start, terminate, pause, resume, restart, delete)
// into a spider's persisted status; the Performer validates it against the
// running registry, applies it and persists the resulting state. At most
// one transition per spider is in flight at any time.
package lifecycle
