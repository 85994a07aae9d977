//go:build unix

package mqttd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// notifySignals maps SIGHUP to a security reload, SIGUSR1 to a
// persistence backup and SIGUSR2 to a subscription tree dump. The flags
// are picked up by the loop's periodic pass.
func (b *Broker) notifySignals(ctx context.Context) (stop func()) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP, syscall.SIGUSR1, syscall.SIGUSR2)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case sig := <-ch:
				b.log.Printf(LogDebug, "signal received: %s", sig)
				switch sig {
				case syscall.SIGHUP:
					b.reload.Store(true)
				case syscall.SIGUSR1:
					b.backup.Store(true)
				case syscall.SIGUSR2:
					b.tree.Store(true)
				}
			}
		}
	}()
	return func() {
		signal.Stop(ch)
		close(done)
	}
}
