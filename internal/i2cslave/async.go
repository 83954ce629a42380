package i2cslave

import (
	"context"
	"fmt"
)

// Transfer is an in-flight asynchronous operation. Done closes when the
// transaction resolves; the result is stable from that point on.
type Transfer struct {
	n      int
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// StartRead begins an asynchronous receive into buf. The transfer
// resolves when the master ends the transaction, buf fills up, or the
// transfer is cancelled.
func (d *Driver) StartRead(buf []byte) (*Transfer, error) {
	if len(buf) == 0 {
		return nil, fmt.Errorf("i2cslave: start read: %w", ErrZeroLengthInvalid)
	}
	if p := d.Phase(); p == PhaseReceiving || p == PhaseTransmitting {
		return nil, fmt.Errorf("i2cslave: start read: %w", ErrBusBusy)
	}
	return d.startTransfer(func(ctx context.Context) (int, error) {
		return d.Read(ctx, buf)
	}), nil
}

// StartWrite begins an asynchronous transmit of data. FIFO capacity is
// checked up front so the caller learns about oversized buffers before
// anything touches the bus.
func (d *Driver) StartWrite(data []byte) (*Transfer, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("i2cslave: start write: %w", ErrZeroLengthInvalid)
	}
	if len(data) > FifoDepth {
		return nil, fmt.Errorf("i2cslave: start write %d bytes: %w", len(data), ErrFifoExceeded)
	}
	if p := d.Phase(); p == PhaseReceiving || p == PhaseTransmitting {
		return nil, fmt.Errorf("i2cslave: start write: %w", ErrBusBusy)
	}
	return d.startTransfer(func(ctx context.Context) (int, error) {
		return d.Write(ctx, data)
	}), nil
}

func (d *Driver) startTransfer(op func(context.Context) (int, error)) *Transfer {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Transfer{done: make(chan struct{}), cancel: cancel}
	go func() {
		defer cancel()
		t.n, t.err = op(ctx)
		close(t.done)
	}()
	return t
}

// Done closes when the transfer has resolved.
func (t *Transfer) Done() <-chan struct{} { return t.done }

// Wait blocks until the transfer resolves or ctx expires. Expiry does
// not cancel the transfer; callers that give up should Cancel.
func (t *Transfer) Wait(ctx context.Context) (int, error) {
	select {
	case <-t.done:
		return t.n, t.err
	case <-ctx.Done():
		return 0, fmt.Errorf("i2cslave: wait: %w", deadlineError(ctx))
	}
}

// Cancel abandons a pending transfer. The underlying operation resets
// its FIFO so stale bytes cannot poison the next transaction; Cancel
// after resolution is a no-op.
func (t *Transfer) Cancel() {
	t.cancel()
	<-t.done
}

// Result returns the outcome after Done has closed.
func (t *Transfer) Result() (int, error) { return t.n, t.err }
