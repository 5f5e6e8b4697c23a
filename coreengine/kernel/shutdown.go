package kernel

import (
	"context"
	"errors"
	"fmt"
)

// Closer is a named resource released at shutdown.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// Shutdown releases closers last-opened first. A failing or panicking closer
// does not stop the rest; the failures come back joined, each prefixed with
// the closer name. Once ctx is done the remaining closers are skipped.
func Shutdown(ctx context.Context, logger Logger, closers ...Closer) error {
	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		c := closers[i]
		if c.Close == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			errs = append(errs, fmt.Errorf("shutdown stopped before %s: %w", c.Name, err))
			break
		}

		if err := SafeExecute(logger, "close_"+c.Name, func() error { return c.Close(ctx) }); err != nil {
			if logger != nil {
				logger.Warn("resource_close_failed", "resource", c.Name, "error", err.Error())
			}
			errs = append(errs, fmt.Errorf("close %s: %w", c.Name, err))
			continue
		}
		if logger != nil {
			logger.Debug("resource_closed", "resource", c.Name)
		}
	}
	return errors.Join(errs...)
}
