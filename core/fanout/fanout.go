// Package fanout runs independent producers against one request and merges
// their results into a single JSON response.
package fanout

import (
	"net/http"

	"golang.org/x/sync/errgroup"

	"github.com/searchktools/nimble/core/apperr"
	nhttp "github.com/searchktools/nimble/core/http"
)

// Producer fetches one part of the response. A nil map contributes nothing.
// Producers must not touch the response.
type Producer func(c *nhttp.Context) (map[string]any, error)

// Merge returns a handler that runs every producer concurrently.
func Merge(producers ...Producer) nhttp.HandlerFunc {
	return MergeLimit(0, producers...)
}

// MergeLimit is Merge with at most limit producers running at once. A
// limit <= 0 means no limit.
//
// All producers settle before the response is built. A failing or
// panicking producer is logged and left out; on key collisions the later
// producer in argument order wins. Only a failure to encode or send the
// merged map reaches the caller.
func MergeLimit(limit int, producers ...Producer) nhttp.HandlerFunc {
	ps := append([]Producer(nil), producers...)
	return func(c *nhttp.Context) error {
		results := Collect(c, limit, ps)
		merged := make(map[string]any)
		for _, part := range results {
			for k, v := range part {
				merged[k] = v
			}
		}
		return c.JSON(http.StatusOK, merged)
	}
}

// Collect runs ps and returns their results by index. Failed producers
// leave a nil entry.
func Collect(c *nhttp.Context, limit int, ps []Producer) []map[string]any {
	results := make([]map[string]any, len(ps))
	var g errgroup.Group
	if limit > 0 {
		g.SetLimit(limit)
	}
	for i, p := range ps {
		g.Go(func() error {
			out, err := call(p, c)
			if err != nil {
				c.Logger().Warn("fan-out producer failed", "index", i, "error", err)
				return nil
			}
			results[i] = out
			return nil
		})
	}
	g.Wait()
	return results
}

func call(p Producer, c *nhttp.Context) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = apperr.FromPanic(r)
		}
	}()
	if p == nil {
		return nil, nil
	}
	return p(c)
}
