// Package inparallel runs units of work in isolated OS processes and collects
// their results in submission order.
//
// Go cannot fork a running program, so a worker is the current binary
// re-executed in worker mode. Units of work are functions registered at
// package init time:
//
//	var Fetch = inparallel.Register("fetch", func(ctx context.Context, url string) (Page, error) {
//		...
//	})
//
//	func main() {
//		inparallel.Init() // must run before anything else
//		c, err := inparallel.New(inparallel.DefaultConfig())
//		...
//		var a, b *inparallel.Placeholder[Page]
//		_, err = c.RunInParallel(ctx, func(batch *inparallel.Batch) error {
//			a = Fetch.Go(batch, "https://a.example")
//			b = Fetch.Go(batch, "https://b.example")
//			return nil
//		}, inparallel.KillOnError(true))
//		pageA, _ := a.Get()
//	}
//
// Every submission spawns one worker whose stdout and stderr go to a private
// sink file. The worker writes exactly one framed result (a value or an error)
// to a pipe, or nothing when the value is absent. The controller polls all
// outstanding workers with short bounded waits so that a single goroutine can
// enforce the batch timeout, log heartbeats, react to SIGINT/SIGTERM and apply
// the fail-fast policy.
//
// When isolation is unavailable (non-unix platforms, or Init was never
// called) every submission runs inline in the calling process.
//
// A Controller is not safe for concurrent use.
package inparallel
