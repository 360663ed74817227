package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"synthforge/internal/checkpoint"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "List the tensors of a checkpoint archive",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tensors, err := checkpoint.ListTensors(args[0])
		if err != nil {
			return err
		}
		for _, line := range tensors {
			fmt.Fprintln(cmd.OutOrStdout(), line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}
