package cmds

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"

	"github.com/go-go-golems/murmur/pkg/ondevice"
)

type InferCommand struct {
	*cmds.CommandDescription
}

var _ cmds.WriterCommand = (*InferCommand)(nil)

type InferSettings struct {
	Input string `glazed:"input"`
}

func NewInferCommand() (*InferCommand, error) {
	sections, err := allSections()
	if err != nil {
		return nil, err
	}
	return &InferCommand{
		CommandDescription: cmds.NewCommandDescription(
			"infer",
			cmds.WithShort("Run the on-device model over a comma-separated input vector"),
			cmds.WithArguments(
				fields.New("input", fields.TypeString, fields.WithHelp("Input vector, e.g. 0.5,1,-2"), fields.WithRequired(true)),
			),
			cmds.WithSections(sections...),
		),
	}, nil
}

func (c *InferCommand) RunIntoWriter(ctx context.Context, parsed *values.Values, w io.Writer) error {
	is := &InferSettings{}
	if err := parsed.DecodeSectionInto(values.DefaultSlug, is); err != nil {
		return err
	}
	s, err := decodeSettings(parsed)
	if err != nil {
		return err
	}
	vec, err := parseVector(is.Input)
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

	engine := ondevice.NewEngine(s.OnDevice.ModelName, s.OnDevice.ModelURL, cache.Store())
	if err := engine.LoadModel(ctx); err != nil {
		return err
	}
	out, err := engine.Infer(vec)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(w, formatVector(out))
	return nil
}

func parseVector(s string) ([]float64, error) {
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "parse %q", p)
		}
		out = append(out, v)
	}
	if len(out) == 0 {
		return nil, errors.New("empty input vector")
	}
	return out, nil
}

func formatVector(v []float64) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(x, 'g', 6, 64)
	}
	return strings.Join(parts, ",")
}
