// Package jobstream relays background-job state changes from an external
// notification channel to long-lived Server-Sent-Events connections held
// by dashboard clients.
//
// A worker tier updates a job row and emits a notification on a named
// channel. One jobstream Relay per serving process subscribes to that
// channel, normalizes each notification into an event, buffers it in a
// bounded ring for replay, and fans it out to every open stream scoped to
// the same server. Clients resume after a disconnect by reconnecting with
// the timestamp of the last event they processed; delivery is
// at-least-once, never durable.
//
// # Quick Start
//
//	src := postgres.New(connString)
//	relay, err := jobstream.New(src,
//	    jobstream.WithBufferCapacity(512),
//	)
//	if err != nil { ... }
//	if err := relay.Start(ctx); err != nil { ... }
//	defer relay.Stop(ctx)
//
//	r := gin.New()
//	api.New(relay).RegisterRoutes(r)
//
// The Relay is an explicitly constructed, explicitly owned object; hand
// it to the HTTP layer at startup instead of reaching for globals.
package jobstream
