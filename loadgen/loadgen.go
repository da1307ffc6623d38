// Package loadgen produces a synthetic stream of messages whose content is the
// decimal index of each message.
package loadgen

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"batchflow/logger"
	"batchflow/types"
)

type Dispatcher interface {
	Dispatch(msg types.Message) error
}

// Result summarises a run.
type Result struct {
	Sent    int64
	Elapsed time.Duration
}

// Run sends iterations messages, pausing sleep between them when sleep > 0.
// It stops early on ctx cancellation or the first dispatch error.
func Run(ctx context.Context, out Dispatcher, iterations int64, sleep time.Duration, log *logger.Logger) (Result, error) {
	start := time.Now()
	res := Result{}

	for i := int64(0); i < iterations; i++ {
		if err := ctx.Err(); err != nil {
			res.Elapsed = time.Since(start)
			return res, err
		}

		if err := out.Dispatch(types.NewMessage(strconv.FormatInt(i, 10))); err != nil {
			res.Elapsed = time.Since(start)
			return res, fmt.Errorf("dispatch message %d: %w", i, err)
		}
		res.Sent++

		if sleep > 0 {
			select {
			case <-ctx.Done():
				res.Elapsed = time.Since(start)
				return res, ctx.Err()
			case <-time.After(sleep):
			}
		}
	}

	res.Elapsed = time.Since(start)
	log.Info("Load generation finished", map[string]interface{}{
		"sent":    res.Sent,
		"elapsed": res.Elapsed.String(),
	})
	return res, nil
}
