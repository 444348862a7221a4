package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/standardbeagle/wkdrive/internal/browser"
)

var evalCmd = &cobra.Command{
	Use:   "eval URL SCRIPT",
	Short: "Load a page, evaluate a script and print the result as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withPage(cmd, args[0], func(ctx context.Context, c *browser.Client) error {
			v, err := c.EvaluateScript(ctx, args[1])
			if err != nil {
				return err
			}
			return printJSON(v)
		})
	},
}

func init() {
	addSessionFlags(evalCmd)
	rootCmd.AddCommand(evalCmd)
}

// printJSON writes v to stdout, indented when stdout is a terminal.
func printJSON(v any) error {
	var (
		data []byte
		err  error
	)
	if term.IsTerminal(int(os.Stdout.Fd())) {
		data, err = json.MarshalIndent(v, "", "  ")
	} else {
		data, err = json.Marshal(v)
	}
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
