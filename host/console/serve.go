// Package console serves the controller's line console over a byte stream.
package console

import (
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"stepcore/standalone/controller"
)

// FlushInterval is how often pending console output is written
const FlushInterval = 5 * time.Millisecond

// Serve runs the controller console on rw until ctx is cancelled or rw
// fails. The caller closes rw after cancelling ctx to unblock a pending
// read. Realtime bytes bypass the line queue so that a status request or
// a reset is seen while a long line such as $H is executing.
func Serve(ctx context.Context, m *controller.Manager, rw io.ReadWriter) error {
	grp, gctx := errgroup.WithContext(ctx)
	input := make(chan byte, 256)

	grp.Go(func() error {
		defer close(input)
		buf := make([]byte, 64)
		for {
			n, err := rw.Read(buf)
			for _, b := range buf[:n] {
				if controller.IsRealtime(b) {
					m.Realtime(b)
					continue
				}
				select {
				case input <- b:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return err
			}
		}
	})

	grp.Go(func() error {
		poll := time.NewTicker(time.Millisecond)
		defer poll.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case b, ok := <-input:
				if !ok {
					return io.EOF
				}
				m.ProcessByte(b)
			case <-poll.C:
				m.Poll()
			}
		}
	})

	grp.Go(func() error {
		flush := time.NewTicker(FlushInterval)
		defer flush.Stop()
		for {
			select {
			case <-gctx.Done():
				return gctx.Err()
			case <-flush.C:
				if out := m.GetOutput(); out != nil {
					if _, err := rw.Write(out); err != nil {
						return err
					}
				}
			}
		}
	})

	err := grp.Wait()
	if ctx.Err() != nil || errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
