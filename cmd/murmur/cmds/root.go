package cmds

import (
	"github.com/go-go-golems/glazed/pkg/cli"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/spf13/cobra"
)

// Register adds every murmur subcommand to root.
func Register(root *cobra.Command) error {
	builders := []func() (cmds.Command, error){
		func() (cmds.Command, error) { return NewChatCommand() },
		func() (cmds.Command, error) { return NewModelsCommand() },
		func() (cmds.Command, error) { return NewInferCommand() },
	}
	for _, build := range builders {
		c, err := build()
		if err != nil {
			return err
		}
		command, err := cli.BuildCobraCommand(c)
		if err != nil {
			return err
		}
		root.AddCommand(command)
	}
	if err := addCacheCommands(root); err != nil {
		return err
	}
	return addTranscriptsCommands(root)
}
