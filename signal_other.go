//go:build !unix

package mqttd

import "context"

func (b *Broker) notifySignals(ctx context.Context) (stop func()) {
	return func() {}
}
