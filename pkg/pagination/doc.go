// Package pagination fetches every page of one RTMS fetch key.
//
// Pages of a key are requested strictly in order: page N+1 is only requested
// after page N succeeded. The loop ends once (pageNo-1)*pageSize reaches the
// totalCount reported by the first successful page of the call, where pageSize
// is the smaller of the configured size and the numOfRows the upstream served.
// An empty page also ends the loop.
//
// Example usage:
//
//	fetcher := pagination.NewFetcher(rtmsClient, limiter, pagination.DefaultConfig())
//	outcome := fetcher.Fetch(ctx, key, 1)
//	switch outcome.Status {
//	case pagination.StatusFulfilled:
//		// outcome.Items holds every record of the key
//	case pagination.StatusPartial:
//		// outcome.Items holds the pages before the failure; resume at outcome.ResumePage()
//	case pagination.StatusRejected:
//		// nothing collected; outcome.Err carries the classified failure
//	}
//
// A failure is never returned as an error. It is folded into the Outcome so
// that callers branch on Status exhaustively, and a partial fetch keeps the
// pages it already collected.
package pagination
