// Package oracle consumes an external randomness oracle.
//
// The oracle is polled, never awaited: a round whose seed is not published
// yet answers with an empty payload and the caller retries in a later round.
package oracle

import "context"

// Client fetches the raw response envelope for (round, account) from the
// oracle identified by ref. An empty ref selects the client's default oracle.
type Client interface {
	Get(ctx context.Context, ref string, round uint64, account []byte) ([]byte, error)
}
