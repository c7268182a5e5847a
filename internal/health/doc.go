// Package health provides composable probes and HTTP handlers for the
// liveness and readiness endpoints of the ops listener.
//
// Liveness is tick freshness ([Fresh]): a governor loop that stops ticking,
// for example because a service command hangs, fails it. Readiness is the
// first completed tick ([Started]) combined with a [ShutdownGate], which
// flips to failing as soon as shutdown begins.
package health
