// Package conntrack wraps a net.Listener so every connection it accepts can
// be found and terminated later.
//
// A Tracker registers each connection before Accept returns it, and removes
// it exactly once: when the serving code closes it, when the peer goes away
// and the server closes it in response, or when KillAll resets it.
//
// Dispose stops accepting and waits for the tracked set to drain. With force
// set, every connection is reset first, so Dispose returns as soon as the
// listener is closed.
//
//	ln, _ := net.Listen("tcp", ":7331")
//	t := conntrack.Wrap(ln)
//	go http.Serve(t, handler)
//	...
//	_ = t.Dispose(ctx, true)
package conntrack
