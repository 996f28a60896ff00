package pubsub

import (
	"context"

	"go.uber.org/zap"
)

// Forward relays every message received on in to out without decoding it,
// bridging two processes that do not share a transport. It blocks until ctx
// is done.
func Forward(ctx context.Context, in, out Transport, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	in.OnReceive(func(ctx context.Context, msg []byte) {
		if err := out.Send(ctx, msg); err != nil {
			log.Error("forward failed", zap.Error(err))
			return
		}
		log.Debug("forwarded", zap.Int("bytes", len(msg)))
	})
	if err := in.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	return nil
}
