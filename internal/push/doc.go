// Package push is the background delivery channel. It receives externally
// delivered push events while no foreground session is running, decodes
// them and shows the reminder through its own notifier instance.
//
// The worker is a single goroutine fed through an inbox; it shares no
// memory with the foreground registry. Duplicate suppression across the
// two paths relies on both deriving the same reminder identity and on the
// persistent dedup store.
//
// Lifecycle: Installing, then Active after Install. Push is rejected until
// the worker is active.
package push
