package fml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/semaphore"

	"github.com/snowmerak/baselink.go/lib/multiplexer"
	"github.com/snowmerak/baselink.go/lib/transport"
)

const maxTagAttempts = 100

// client issues outbound calls for one port.
type client struct {
	send  transport.Sender
	mux   *multiplexer.Multiplexer
	slots *semaphore.Weighted
	tag   atomic.Uint32

	// cancelled when the port starts shutting down
	life context.Context

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// nextTag returns a tag that is not outstanding, with its waiter registered.
func (c *client) nextTag() (uint32, <-chan multiplexer.Packet, error) {
	for attempt := 0; attempt < maxTagAttempts; attempt++ {
		tag := c.tag.Add(1)
		if tag == 0 {
			continue
		}

		ch, err := c.mux.Expect(tag)
		if errors.Is(err, multiplexer.ErrTagInUse) {
			continue
		}
		if err != nil {
			return 0, nil, fmt.Errorf("%w: %w", ErrShutdown, err)
		}
		return tag, ch, nil
	}

	return 0, nil, fmt.Errorf("no free call tag after %d attempts", maxTagAttempts)
}

func (c *client) shutdownErr(err error) error {
	if c.life.Err() != nil {
		return ErrShutdown
	}
	return err
}

func (c *client) call(ctx context.Context, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(c.life, cancel)
	defer stop()

	start := time.Now()
	c.msink.IncrCounterWithLabels(MetricCallCount, 1, c.labels)

	out, err := c.roundTrip(ctx, payload)
	if err != nil {
		c.msink.IncrCounterWithLabels(MetricCallErrorCount, 1, c.labels)
		return nil, err
	}

	c.msink.AddSampleWithLabels(MetricCallLatencyMs, float32(time.Since(start).Seconds()*1000), c.labels)
	return out, nil
}

func (c *client) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	if err := c.slots.Acquire(ctx, 1); err != nil {
		return nil, c.shutdownErr(err)
	}
	defer c.slots.Release(1)

	tag, ch, err := c.nextTag()
	if err != nil {
		return nil, err
	}
	defer c.mux.Forget(tag)

	if err := c.send.Send(ctx, multiplexer.NewPacket(multiplexer.KindRequest, tag, payload)); err != nil {
		return nil, c.shutdownErr(fmt.Errorf("failed to send call: %w", err))
	}

	select {
	case p, ok := <-ch:
		if !ok {
			return nil, ErrShutdown
		}

		switch p.Kind() {
		case multiplexer.KindResponse:
			return p.Payload(), nil
		case multiplexer.KindError:
			return nil, &RemoteError{Message: string(p.Payload())}
		case multiplexer.KindFault:
			c.logger.Error("remote fault", LabelTag.L(tag), slog.String("reason", string(p.Payload())))
			violation("remote fault: %s", p.Payload())
		default:
			violation("unexpected %s packet for tag %d", multiplexer.KindString(p.Kind()), tag)
		}
		return nil, nil
	case <-ctx.Done():
		return nil, c.shutdownErr(ctx.Err())
	}
}
