package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-modnet/address"
)

var translateCmd = &cobra.Command{
	Use:   "translate ADDRESS...",
	Short: "Translate addresses to function code and offset",
	Long: `Translate one or more addresses with the given dialect and print the
function code, wire offset and bit index of each.

Supported dialects: ` + strings.Join(address.Dialects(), ", ") + `

Example:
  modpoll translate "4X 100" "0X 1"
  modpoll translate --dialect na200h --write M10 D100`,
	Args: cobra.MinimumNArgs(1),
	RunE: runTranslate,
}

func init() {
	rootCmd.AddCommand(translateCmd)

	translateCmd.Flags().StringP("dialect", "d", address.DialectModbus, "address dialect")
	translateCmd.Flags().BoolP("write", "w", false, "translate for a write request")
}

func runTranslate(cmd *cobra.Command, args []string) error {
	dialect, _ := cmd.Flags().GetString("dialect")
	write, _ := cmd.Flags().GetBool("write")

	tr, err := address.New(dialect)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, arg := range args {
		desc, err := tr.Translate(arg, !write)
		if err != nil {
			return fmt.Errorf("%s: %w", arg, err)
		}
		fmt.Fprintf(out, "%-12s -> %s\n", arg, desc)
	}

	return nil
}
