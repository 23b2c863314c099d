package cmds

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"
)

type CacheClearCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*CacheClearCommand)(nil)

func NewCacheClearCommand() (*CacheClearCommand, error) {
	sections, err := allSections()
	if err != nil {
		return nil, err
	}
	return &CacheClearCommand{
		CommandDescription: cmds.NewCommandDescription(
			"clear",
			cmds.WithShort("Clear the model cache"),
			cmds.WithLong("Publishes a cache-clear control message; every entry cached before now is removed."),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *CacheClearCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
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
	if err := rt.clearCache(ctx); err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, "cache cleared")
	return nil
}

type CacheListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &CacheListCommand{}

func NewCacheListCommand() (*CacheListCommand, error) {
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
	return &CacheListCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List model cache entries"),
			cmds.WithSections(append(sections, glazedSection, commandSettingsSection)...),
		),
	}, nil
}

func (c *CacheListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	s, err := decodeSettings(parsed)
	if err != nil {
		return err
	}
	rt, err := newRuntime(ctx, s)
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close() }()

	cache, err := rt.openCache(ctx)
	if err != nil {
		return err
	}
	entries, err := cache.Store().List(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		row := types.NewRow(
			types.MRP("key", e.Key),
			types.MRP("bytes", len(e.Payload)),
			types.MRP("inserted_at", time.UnixMilli(e.InsertedAtMs).Format(time.RFC3339)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect and clear the local model cache",
}

func addCacheCommands(root *cobra.Command) error {
	clearCmd, err := NewCacheClearCommand()
	if err != nil {
		return err
	}
	listCmd, err := NewCacheListCommand()
	if err != nil {
		return err
	}
	cobraClear, err := cli.BuildCobraCommand(clearCmd)
	if err != nil {
		return err
	}
	cobraList, err := cli.BuildCobraCommand(listCmd)
	if err != nil {
		return err
	}
	cacheCmd.AddCommand(cobraClear, cobraList)
	root.AddCommand(cacheCmd)
	return nil
}
