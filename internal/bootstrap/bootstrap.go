package bootstrap

import (
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"

	nodeinadapter "chorus/internal/modules/node/adapter/in"
	nodeoutadapter "chorus/internal/modules/node/adapter/out"
	nodeservice "chorus/internal/modules/node/service"
	nodeusecase "chorus/internal/modules/node/usecase"
	"chorus/internal/platform/clock"
	"chorus/internal/platform/config"
	"chorus/internal/platform/id"
	uiapp "chorus/internal/ui/app"
)

type App struct {
	NodeCLI nodeinadapter.CLIHandler
}

func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	return NewWithFactory(cfg, logger, NewRuntimeFactory(cfg, logger))
}

// NewWithFactory wires the node API around a caller supplied runtime factory.
func NewWithFactory(cfg config.Config, logger *zap.Logger, factory *RuntimeFactory) (*App, error) {
	svc := nodeservice.NewNodeService(
		factory,
		nodeoutadapter.NewFileDaemonStore(cfg.DataDir),
		nodeoutadapter.NewGRPCServer(),
		nodeoutadapter.NewGRPCClient(),
		nodeoutadapter.NewFileActivityStore(cfg.DataDir, id.UUID{}),
		nodeservice.Options{
			DataDir:            cfg.DataDir,
			CompactionInterval: cfg.Replication.CompactionInterval,
			MetricsEnabled:     cfg.Metrics.Enabled,
			MetricsListen:      cfg.Metrics.Listen,
			Logger:             logger,
			Clock:              clock.SystemClock{},
		},
	)
	return &App{
		NodeCLI: nodeinadapter.NewCLIHandler(nodeusecase.NewInteractor(svc)),
	}, nil
}

// RunConsole opens the interactive console against a running daemon.
func RunConsole(app *App) error {
	model := uiapp.NewModel(app.NodeCLI)
	program := tea.NewProgram(model, tea.WithAltScreen())
	_, err := program.Run()
	return err
}
