package baselink

import (
	"context"
)

// Preset supplies the handles a module starts with. Export runs on
// CmdHandleExport and Import once per exchange addressed to the module.
type Preset interface {
	Export(ctx context.Context, m *Module) ([]HandleExchange, error)
	Import(ctx context.Context, m *Module, ex HandleExchange) error
}

// PresetFuncs adapts two functions to Preset. A nil func exports nothing
// or ignores the exchange.
type PresetFuncs struct {
	ExportFunc func(ctx context.Context, m *Module) ([]HandleExchange, error)
	ImportFunc func(ctx context.Context, m *Module, ex HandleExchange) error
}

func (p PresetFuncs) Export(ctx context.Context, m *Module) ([]HandleExchange, error) {
	if p.ExportFunc == nil {
		return nil, nil
	}
	return p.ExportFunc(ctx, m)
}

func (p PresetFuncs) Import(ctx context.Context, m *Module, ex HandleExchange) error {
	if p.ImportFunc == nil {
		return nil
	}
	return p.ImportFunc(ctx, m, ex)
}
