package baselink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-metrics"
	"golang.org/x/sync/errgroup"

	"github.com/snowmerak/baselink.go/lib/fml"
	"github.com/snowmerak/baselink.go/lib/multiplexer"
	"github.com/snowmerak/baselink.go/lib/transport"
)

// Controller drives the control loop of one module from the host side.
// Commands are serialized; each one returns after the module acknowledged
// it.
type Controller struct {
	ch *channel

	mu     sync.Mutex
	module string

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label
}

// NewController takes the host end of a module's control channel.
func NewController(ctl transport.Transport, opts ...Option) (*Controller, error) {
	cfg, err := newConfig(opts)
	if err != nil {
		return nil, fmt.Errorf("baselink: invalid option: %w", err)
	}

	return &Controller{
		ch:     newChannel(ctl, multiplexer.KindRequest, multiplexer.KindResponse),
		logger: slog.New(cfg.logHandler).With("component", "controller"),
		msink:  cfg.msink,
		labels: cfg.metricLabels,
	}, nil
}

// Module returns the id sent by Setup.
func (c *Controller) Module() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.module
}

// Setup sends the three setup messages. It must be the first call.
func (c *Controller) Setup(ctx context.Context, idMap fml.IdMap, mc ModuleConfig, fc fml.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, msg := range []any{idMap, mc, fc} {
		if err := c.ch.send(ctx, msg); err != nil {
			return fmt.Errorf("failed to set up module %s: %w", mc.ID, err)
		}
	}
	c.module = mc.ID
	c.logger = c.logger.With(LabelModule.L(mc.ID))

	return nil
}

func (c *Controller) Link(ctx context.Context, args LinkArgs) error {
	return c.command(ctx, CmdLink, args, nil)
}

func (c *Controller) Unlink(ctx context.Context, id fml.PortID) error {
	return c.command(ctx, CmdUnlink, UnlinkArgs{PortID: id}, nil)
}

// HandleExport asks the module for the handles it offers to other modules.
func (c *Controller) HandleExport(ctx context.Context) ([]HandleExchange, error) {
	var exs []HandleExchange
	if err := c.command(ctx, CmdHandleExport, nil, &exs); err != nil {
		return nil, err
	}
	return exs, nil
}

func (c *Controller) HandleImport(ctx context.Context, ex HandleExchange) error {
	return c.command(ctx, CmdHandleImport, ex, nil)
}

// Debug runs the module's debug routine with args. An error returned by
// the routine comes back as a *fml.RemoteError.
func (c *Controller) Debug(ctx context.Context, args []byte) ([]byte, error) {
	if args == nil {
		args = []byte{}
	}

	var res DebugResult
	if err := c.command(ctx, CmdDebug, args, &res); err != nil {
		return nil, err
	}
	if res.Err != "" {
		return nil, &fml.RemoteError{Message: res.Err}
	}
	return res.Payload, nil
}

// Terminate ends the control loop. The module shuts its runtime down
// without acknowledging.
func (c *Controller) Terminate(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ch.send(ctx, CmdTerminate); err != nil {
		return fmt.Errorf("failed to terminate module %s: %w", c.module, err)
	}
	c.logger.Info("terminate sent")
	return nil
}

func (c *Controller) command(ctx context.Context, cmd string, args, reply any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.msink.IncrCounterWithLabels(MetricCommandCount, 1,
		append([]metrics.Label{LabelCommand.M(cmd), LabelModule.M(c.module)}, c.labels...))

	if err := c.ch.send(ctx, cmd); err != nil {
		return fmt.Errorf("failed to send %s: %w", cmd, err)
	}
	if args != nil {
		if err := c.ch.send(ctx, args); err != nil {
			return fmt.Errorf("failed to send %s arguments: %w", cmd, err)
		}
	}
	if reply != nil {
		if err := c.ch.recv(ctx, reply); err != nil {
			return fmt.Errorf("%s on module %s: %w", cmd, c.module, err)
		}
	}

	var ack string
	if err := c.ch.recv(ctx, &ack); err != nil {
		return fmt.Errorf("%s on module %s: %w", cmd, c.module, err)
	}
	if ack != ackDone {
		return fmt.Errorf("%w: %s answered with %q", ErrBadMessage, cmd, ack)
	}

	c.logger.Debug("command acknowledged", LabelCommand.L(cmd))
	return nil
}

// LinkModules links port aPort of a with port bPort of b over a fresh
// transport of the given kind. Both links are sent at once since a
// listening side only returns after its peer connected.
func LinkModules(ctx context.Context, kind string, a *Controller, aPort fml.PortID, b *Controller, bPort fml.PortID) error {
	aCfg, bCfg, err := linkConfigs(kind)
	if err != nil {
		return err
	}

	aArgs := LinkArgs{PortID: aPort, PeerPort: bPort, PeerModule: b.Module(), Kind: kind, Config: aCfg}
	bArgs := LinkArgs{PortID: bPort, PeerPort: aPort, PeerModule: a.Module(), Kind: kind, Config: bCfg}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return a.Link(gctx, aArgs)
	})
	g.Go(func() error {
		return b.Link(gctx, bArgs)
	})
	return g.Wait()
}

func linkConfigs(kind string) ([]byte, []byte, error) {
	var a, b any
	switch kind {
	case transport.KindIntra:
		name := transport.NewIntraName()
		a, b = transport.IntraConfig{Name: name}, transport.IntraConfig{Name: name}
	case transport.KindDomainSocket:
		path := transport.NewSocketPath()
		a, b = transport.UnixConfig{Path: path, Listen: true}, transport.UnixConfig{Path: path}
	default:
		return nil, nil, fmt.Errorf("%w: %s", transport.ErrUnknownKind, kind)
	}

	aCfg, err := transport.EncodeConfig(a)
	if err != nil {
		return nil, nil, err
	}
	bCfg, err := transport.EncodeConfig(b)
	if err != nil {
		return nil, nil, err
	}
	return aCfg, bCfg, nil
}

// ExchangeHandles collects the exports of every module and delivers each
// exchange to its importer.
func ExchangeHandles(ctx context.Context, ctrls ...*Controller) error {
	byModule := make(map[string]*Controller, len(ctrls))
	for _, c := range ctrls {
		byModule[c.Module()] = c
	}

	for _, c := range ctrls {
		exs, err := c.HandleExport(ctx)
		if err != nil {
			return err
		}
		for _, ex := range exs {
			importer, ok := byModule[ex.Importer]
			if !ok {
				return fmt.Errorf("%w: %s exports to %s", ErrUnknownModule, ex.Exporter, ex.Importer)
			}
			if err := importer.HandleImport(ctx, ex); err != nil {
				return err
			}
		}
	}
	return nil
}
