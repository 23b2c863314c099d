package cmds

import (
	"context"
	"io"
	"time"

	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/go-go-golems/glazed/pkg/middlewares"
	"github.com/go-go-golems/glazed/pkg/settings"
	"github.com/go-go-golems/glazed/pkg/types"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/murmur/pkg/persistence/transcripts"
)

type TranscriptsListCommand struct {
	*cmds.CommandDescription
}

var _ cmds.GlazeCommand = &TranscriptsListCommand{}

type TranscriptsListSettings struct {
	Model string `glazed:"filter-model"`
	Limit int    `glazed:"limit"`
}

func NewTranscriptsListCommand() (*TranscriptsListCommand, error) {
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
	return &TranscriptsListCommand{
		CommandDescription: cmds.NewCommandDescription(
			"list",
			cmds.WithShort("List saved chat transcripts"),
			cmds.WithFlags(
				fields.New("filter-model", fields.TypeString, fields.WithDefault(""), fields.WithHelp("Only transcripts using this model")),
				fields.New("limit", fields.TypeInteger, fields.WithDefault(50), fields.WithHelp("Limit number of transcripts (0 = no limit)")),
			),
			cmds.WithSections(append(sections, glazedSection, commandSettingsSection)...),
		),
	}, nil
}

func (c *TranscriptsListCommand) RunIntoGlazeProcessor(ctx context.Context, parsed *values.Values, gp middlewares.Processor) error {
	ls := &TranscriptsListSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, ls); err != nil {
		return err
	}
	store, err := openTranscriptStore(ctx, parsed)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	summaries, err := store.List(ctx, transcripts.ListQuery{Model: ls.Model, Limit: ls.Limit})
	if err != nil {
		return err
	}
	for _, sm := range summaries {
		row := types.NewRow(
			types.MRP("session_id", sm.SessionID),
			types.MRP("model", sm.Model),
			types.MRP("messages", sm.MessageCount),
			types.MRP("created_at", time.UnixMilli(sm.CreatedAtMs).Format(time.RFC3339)),
			types.MRP("updated_at", time.UnixMilli(sm.UpdatedAtMs).Format(time.RFC3339)),
		)
		if err := gp.AddRow(ctx, row); err != nil {
			return err
		}
	}
	return nil
}

type TranscriptsExportCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*TranscriptsExportCommand)(nil)

type TranscriptsExportSettings struct {
	SessionID string `glazed:"session-id"`
}

func NewTranscriptsExportCommand() (*TranscriptsExportCommand, error) {
	sections, err := allSections()
	if err != nil {
		return nil, err
	}
	return &TranscriptsExportCommand{
		CommandDescription: cmds.NewCommandDescription(
			"export",
			cmds.WithShort("Export a transcript as YAML"),
			cmds.WithArguments(
				fields.New("session-id", fields.TypeString, fields.WithHelp("Session id of the transcript"), fields.WithRequired(true)),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *TranscriptsExportCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	es := &TranscriptsExportSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, es); err != nil {
		return err
	}
	store, err := openTranscriptStore(ctx, parsed)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	t, err := store.Load(ctx, es.SessionID)
	if err != nil {
		return err
	}
	b, err := transcripts.ExportYAML(t)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

func openTranscriptStore(ctx context.Context, parsed *values.Values) (*transcripts.SQLiteStore, error) {
	s, err := decodeSettings(parsed)
	if err != nil {
		return nil, err
	}
	rt := &runtime{settings: s}
	return rt.openTranscripts()
}

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts",
	Short: "Inspect saved chat transcripts",
}

func addTranscriptsCommands(root *cobra.Command) error {
	listCmd, err := NewTranscriptsListCommand()
	if err != nil {
		return err
	}
	exportCmd, err := NewTranscriptsExportCommand()
	if err != nil {
		return err
	}
	cobraList, err := cli.BuildCobraCommand(listCmd)
	if err != nil {
		return err
	}
	cobraExport, err := cli.BuildCobraCommand(exportCmd)
	if err != nil {
		return err
	}
	transcriptsCmd.AddCommand(cobraList, cobraExport)
	root.AddCommand(transcriptsCmd)
	return nil
}
