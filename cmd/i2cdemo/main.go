// Command i2cdemo exercises the I2C slave driver against the simulated
// bus master: a register write, a repeated-START register read, and an
// asynchronous transfer.
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"espzb/internal/i2cslave"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	desc := i2cslave.NewDescriptor(1, 2, 3, 4)
	drv := i2cslave.New(desc, logger)
	err := drv.Configure(i2cslave.Config{
		Addr:         0x28,
		ClockStretch: true,
	})
	if err != nil {
		logger.Error("configure", "err", err)
		os.Exit(1)
	}
	master := i2cslave.NewBusMaster(desc)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Master writes a command, slave reads it.
	go func() {
		if err := master.Write([]byte{0x01, 0xAA, 0xBB}); err != nil {
			logger.Error("master write", "err", err)
		}
	}()
	buf := make([]byte, 8)
	n, err := drv.Read(ctx, buf)
	if err != nil {
		logger.Error("slave read", "err", err)
		os.Exit(1)
	}
	logger.Info("slave received", "bytes", n, "data", buf[:n])

	// Repeated-START: master writes a register index, then reads back
	// one byte without releasing the bus.
	go func() {
		if _, err := drv.Read(ctx, make([]byte, 1)); err != nil {
			logger.Error("slave read register index", "err", err)
			return
		}
		if _, err := drv.Write(ctx, []byte{0x43}); err != nil {
			logger.Error("slave write register value", "err", err)
		}
	}()
	reply, err := master.WriteRead([]byte{0x20}, 1)
	if err != nil {
		logger.Error("master write-read", "err", err)
		os.Exit(1)
	}
	logger.Info("register read", "reg", 0x20, "value", reply[0], "stops", master.Stops())

	// Asynchronous receive resolved by a later master write.
	xfer, err := drv.StartRead(make([]byte, 4))
	if err != nil {
		logger.Error("start read", "err", err)
		os.Exit(1)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		if err := master.Write([]byte{0x10, 0x11, 0x12, 0x13}); err != nil {
			logger.Error("master write", "err", err)
		}
	}()
	n, err = xfer.Wait(ctx)
	if err != nil {
		logger.Error("async read", "err", err)
		os.Exit(1)
	}
	logger.Info("async transfer complete", "bytes", n)
}
