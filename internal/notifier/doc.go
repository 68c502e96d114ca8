// Package notifier is the single path to the platform notification surface.
//
// Both delivery contexts (the foreground reminder registry and the background
// push worker) own their own Service. Each one:
//
//   - asks the surface for permission at most once per session, and turns a
//     denial into a quiet PermissionDenied result instead of an error per fire;
//   - suppresses a second dispatch of the same reminder identity inside the
//     dedup window (in memory, and through the shared store when configured),
//     so a timer and a push for the same occurrence notify once;
//   - shows the notification under a tag derived from the identity, letting
//     the surface collapse duplicates on its side too;
//   - rate limits and retries transient surface failures with jittered
//     exponential backoff.
//
// Every outcome is published on the event bus and appended to the delivery
// audit.
package notifier
