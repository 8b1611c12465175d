package plain

import (
	"context"
	"io"
)

// Pipe copies in to conn and conn to out until either direction ends or ctx
// is done. The caller closes conn, which stops the remaining copy.
func Pipe(ctx context.Context, conn io.ReadWriter, in io.Reader, out io.Writer) error {
	done := make(chan error, 2)
	go func() {
		_, err := io.Copy(conn, in)
		done <- err
	}()
	go func() {
		_, err := io.Copy(out, conn)
		done <- err
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
