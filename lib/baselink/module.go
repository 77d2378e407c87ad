// Package baselink boots modules and drives them through the control loop.
//
// A module process calls RunControlLoop on the channel its host gave it.
// The host side, a Controller, sends the id map, the module config and the
// FML config, then links ports between modules and exchanges the handles
// they start with.
package baselink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/snowmerak/baselink.go/lib/fml"
	"github.com/snowmerak/baselink.go/lib/multiplexer"
	"github.com/snowmerak/baselink.go/lib/transport"
)

// Module is the state of one module instance while its control loop runs.
type Module struct {
	config ModuleConfig
	rt     *fml.Runtime
}

func (m *Module) ID() string {
	return m.config.ID
}

func (m *Module) Key() fml.InstanceKey {
	return m.config.Key
}

// Config returns the module config received from the controller.
func (m *Module) Config() ModuleConfig {
	return m.config
}

func (m *Module) Runtime() *fml.Runtime {
	return m.rt
}

// Object is one service object to export.
type Object struct {
	Trait *fml.Trait
	Value any
}

// Export registers objects on the port linked to importer and packs their
// handles for it.
func (m *Module) Export(importer string, argument []byte, objects ...Object) (HandleExchange, error) {
	id, ok := m.rt.FindPort(importer)
	if !ok {
		return HandleExchange{}, fmt.Errorf("%w: no port linked to %s", fml.ErrUnknownPort, importer)
	}

	ex := HandleExchange{
		Exporter: m.config.ID,
		Importer: importer,
		Handles:  make([]fml.Handle, 0, len(objects)),
		Argument: argument,
	}
	for _, obj := range objects {
		ex.Handles = append(ex.Handles, m.rt.Register(id, obj.Trait, obj.Value))
	}
	return ex, nil
}

// Import binds the handles of ex to the port linked to its exporter.
func (m *Module) Import(ex HandleExchange) ([]*fml.Remote, error) {
	if ex.Importer != m.config.ID {
		return nil, fmt.Errorf("%w: exchange for %s delivered to %s", ErrUnknownModule, ex.Importer, m.config.ID)
	}

	id, ok := m.rt.FindPort(ex.Exporter)
	if !ok {
		return nil, fmt.Errorf("%w: no port linked to %s", fml.ErrUnknownPort, ex.Exporter)
	}
	port, _ := m.rt.Port(id)
	_, peerPort, _ := m.rt.Peer(id)

	remotes := make([]*fml.Remote, 0, len(ex.Handles))
	for _, h := range ex.Handles {
		if h.Exporter != peerPort {
			return nil, fmt.Errorf("%s was not exported through port %d of %s", h, peerPort, ex.Exporter)
		}
		remotes = append(remotes, port.Import(h))
	}
	return remotes, nil
}

// RunControlLoop sets the module up from the controller's setup messages
// and serves commands until CmdTerminate arrives or the channel fails.
// Every port is closed, without releasing exported objects, before it
// returns.
func RunControlLoop(ctx context.Context, ctl transport.Transport, opts ...Option) error {
	cfg, err := newConfig(opts)
	if err != nil {
		return fmt.Errorf("baselink: invalid option: %w", err)
	}

	ch := newChannel(ctl, multiplexer.KindResponse, multiplexer.KindRequest)

	var (
		idMap fml.IdMap
		mc    ModuleConfig
		fc    fml.Config
	)
	if err := ch.recv(ctx, &idMap); err != nil {
		return fmt.Errorf("failed to receive id map: %w", err)
	}
	if err := ch.recv(ctx, &mc); err != nil {
		return fmt.Errorf("failed to receive module config: %w", err)
	}
	if err := ch.recv(ctx, &fc); err != nil {
		return fmt.Errorf("failed to receive fml config: %w", err)
	}

	cfg.ids.Setup(mc.Key, idMap)

	labels := append([]metrics.Label{LabelModule.M(mc.ID)}, cfg.metricLabels...)
	rtOpts := append([]fml.Option{
		fml.WithLog(cfg.logHandler),
		fml.WithMetricSink(cfg.msink),
		fml.WithMetricLabels(labels),
	}, cfg.portOpts...)

	rt, err := fml.NewRuntime(mc.Key, fc, rtOpts...)
	if err != nil {
		return err
	}
	fml.Install(rt)

	m := &Module{config: mc, rt: rt}
	ctx = fml.WithInstanceKey(ctx, mc.Key)
	logger := slog.New(cfg.logHandler).With(LabelModule.L(mc.ID), fml.LabelInstanceKey.L(mc.Key))

	if cfg.initializer != nil {
		if err := cfg.initializer(ctx, m); err != nil {
			return errors.Join(fmt.Errorf("initializer failed: %w", err), rt.Shutdown())
		}
	}

	logger.Info("module ready", slog.String("kind", mc.Kind))

	s := &session{module: m, ch: ch, cfg: cfg, logger: logger, labels: labels}
	loopErr := s.serve(ctx)

	if err := rt.Shutdown(); err != nil {
		loopErr = errors.Join(loopErr, err)
	}
	return loopErr
}

type session struct {
	module *Module
	ch     *channel
	cfg    *config
	logger *slog.Logger
	labels []metrics.Label
}

func (s *session) serve(ctx context.Context) error {
	for {
		var cmd string
		if err := s.ch.recv(ctx, &cmd); err != nil {
			return fmt.Errorf("failed to receive command: %w", err)
		}

		if cmd == CmdTerminate {
			s.logger.Info("terminating")
			return nil
		}

		labels := append([]metrics.Label{LabelCommand.M(cmd)}, s.labels...)
		s.cfg.msink.IncrCounterWithLabels(MetricCommandCount, 1, labels)
		start := time.Now()

		var (
			reply    any
			hasReply bool
			cmdErr   error
		)

		switch cmd {
		case CmdLink:
			var args LinkArgs
			if err := s.ch.recv(ctx, &args); err != nil {
				return fmt.Errorf("failed to receive %s arguments: %w", cmd, err)
			}
			cmdErr = s.link(ctx, args)
		case CmdUnlink:
			var args UnlinkArgs
			if err := s.ch.recv(ctx, &args); err != nil {
				return fmt.Errorf("failed to receive %s arguments: %w", cmd, err)
			}
			cmdErr = s.module.rt.Unlink(ctx, args.PortID)
		case CmdHandleExport:
			hasReply = true
			reply, cmdErr = s.export(ctx)
		case CmdHandleImport:
			var ex HandleExchange
			if err := s.ch.recv(ctx, &ex); err != nil {
				return fmt.Errorf("failed to receive %s arguments: %w", cmd, err)
			}
			cmdErr = s.importHandles(ctx, ex)
		case CmdDebug:
			var args []byte
			if err := s.ch.recv(ctx, &args); err != nil {
				return fmt.Errorf("failed to receive %s arguments: %w", cmd, err)
			}
			hasReply = true
			reply, cmdErr = s.debug(ctx, args)
		default:
			return fmt.Errorf("%w: %q", ErrUnexpectedCommand, cmd)
		}

		if cmdErr != nil {
			s.logger.Warn("command failed", LabelCommand.L(cmd), fml.LabelError.L(cmdErr.Error()))
			s.cfg.msink.IncrCounterWithLabels(MetricCommandErrorCount, 1, labels)
			if err := s.ch.fail(ctx, cmdErr); err != nil {
				return fmt.Errorf("failed to report %s failure: %w", cmd, err)
			}
			continue
		}

		if hasReply {
			if err := s.ch.send(ctx, reply); err != nil {
				return fmt.Errorf("failed to send %s reply: %w", cmd, err)
			}
		}
		if err := s.ch.send(ctx, ackDone); err != nil {
			return fmt.Errorf("failed to acknowledge %s: %w", cmd, err)
		}

		s.logger.Debug("command done", LabelCommand.L(cmd), slog.Duration("elapsed", time.Since(start)))
	}
}

func (s *session) link(ctx context.Context, args LinkArgs) error {
	t, err := transport.Open(ctx, args.Kind, args.Config)
	if err != nil {
		return fmt.Errorf("failed to open %s transport for port %d: %w", args.Kind, args.PortID, err)
	}

	if _, err := s.module.rt.Link(args.PortID, args.PeerPort, args.PeerModule, t, t); err != nil {
		t.Close()
		return err
	}
	return nil
}

func (s *session) export(ctx context.Context) ([]HandleExchange, error) {
	if s.cfg.preset == nil {
		return nil, ErrNoPreset
	}
	return s.cfg.preset.Export(ctx, s.module)
}

func (s *session) importHandles(ctx context.Context, ex HandleExchange) error {
	if s.cfg.preset == nil {
		return ErrNoPreset
	}
	return s.cfg.preset.Import(ctx, s.module, ex)
}

func (s *session) debug(ctx context.Context, args []byte) (DebugResult, error) {
	if s.cfg.debug == nil {
		return DebugResult{}, ErrNoDebug
	}

	out, err := s.cfg.debug(ctx, s.module, args)
	if err != nil {
		return DebugResult{Err: err.Error()}, nil
	}
	return DebugResult{Payload: out}, nil
}
