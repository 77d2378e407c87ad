package fml

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/baselink.go/lib/multiplexer"
	"github.com/snowmerak/baselink.go/lib/transport"
)

// server runs the dispatch workers of one port.
type server struct {
	mux        *multiplexer.Multiplexer
	send       transport.Sender
	dispatcher Dispatcher

	// passed to every dispatch, carries the port
	ctx context.Context

	group errgroup.Group
	done  chan struct{}

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

func (s *server) start(threads int) {
	s.done = make(chan struct{})

	for i := 0; i < threads; i++ {
		s.group.Go(s.work)
	}

	go func() {
		s.group.Wait()
		close(s.done)
	}()
}

func (s *server) work() error {
	for {
		p, err := s.mux.NextRequest(context.Background())
		if err != nil {
			// the multiplexer only fails here once it is shut down
			return nil
		}
		s.serve(p)
	}
}

func (s *server) serve(p multiplexer.Packet) {
	kind, out := s.dispatch(p)

	// the transport is closed only after every worker returned
	if err := s.send.Send(context.Background(), multiplexer.NewPacket(kind, p.Tag(), out)); err != nil {
		s.logger.Warn("failed to send response", LabelTag.L(p.Tag()), slog.String("error", err.Error()))
	}
}

func (s *server) dispatch(p multiplexer.Packet) (kind uint8, out []byte) {
	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprint(r)
			s.logger.Error("dispatch fault", LabelTag.L(p.Tag()), slog.String("reason", reason))
			s.msink.IncrCounterWithLabels(MetricDispatchFaultCount, 1, s.labels)
			kind, out = multiplexer.KindFault, []byte(reason)
		}
	}()

	req, err := ParseRequest(p.Payload())
	if err != nil {
		violation("%v", err)
	}

	result, err := s.dispatcher.Dispatch(s.ctx, req)
	if err != nil {
		var remote *RemoteError
		if errors.As(err, &remote) {
			return multiplexer.KindError, []byte(remote.Message)
		}
		return multiplexer.KindError, []byte(err.Error())
	}
	return multiplexer.KindResponse, result
}

// wait blocks until every worker has returned or timeout elapses.
func (s *server) wait(timeout time.Duration) bool {
	select {
	case <-s.done:
		return true
	case <-time.After(timeout):
		return false
	}
}
