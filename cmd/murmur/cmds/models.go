package cmds

import (
	"context"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"

	"github.com/go-go-golems/murmur/pkg/fallback"
)

type ModelsCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &ModelsCommand{}

func NewModelsCommand() (*ModelsCommand, error) {
	glazedSection, err := settings.NewGlazedSection()
	if err != nil {
		return nil, err
	}
	commandSettingsSection, err := cli.NewCommandSettingsSection()
	if err != nil {
		return nil, err
	}
	sections, err := allSections()
	if err != nil {
		return nil, err
	}
	desc := cmds.NewCommandDescription(
		"models",
		cmds.WithShort("List available models"),
		cmds.WithLong("Resolves the model roster from the backend, falling back to the cached roster and then the configured model."),
		cmds.WithSections(append(sections, glazedSection, commandSettingsSection)...),
	)
	return &ModelsCommand{CommandDescription: desc}, nil
}

func (c *ModelsCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s, err := decodeSettings(parsed)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if err := rt.startWorker(ctx, nil); err != nil {
		return err
	}

	model := s.Backend.Model
	res, err := rt.resolver(fallback.SelectionFunc(func() string { return model })).ResolveModelList(ctx)
	if err != nil {
		return err
	}
	for _, m := range res.Models {
		row := types.NewRow(
			types.MRP("name", m.Name),
			types.MRP("size", m.Size),
			types.MRP("modified_at", m.ModifiedAt),
			types.MRP("digest", m.Digest),
			types.MRP("source", res.Source.String()),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}
