package ondevice

import (
	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
)

const SectionSlug = "ondevice"

type Settings struct {
	ModelURL  string `glazed:"ondevice-model-url"`
	ModelName string `glazed:"ondevice-model-name"`
}

func NewSection() (schema.Section, error) {
	return schema.NewSection(
		SectionSlug,
		"On-device inference",
		schema.WithFields(
			fields.New("ondevice-model-url", fields.TypeString, fields.WithDefault(""), fields.WithHelp("URL the on-device model is fetched from when not cached")),
			fields.New("ondevice-model-name", fields.TypeString, fields.WithDefault("default"), fields.WithHelp("Name of the on-device model")),
		),
	)
}
