package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(putCmd)
	rootCmd.AddCommand(getCmd)
}

var putCmd = &cobra.Command{
	Use:   "put <key> <value>",
	Short: "Store a value",
	Long: `Store a value under key. Keys and values longer than 255 bytes are
rejected. A later PUT of the same key shadows the earlier value.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		ack, err := c.Put(cmd.Context(), args[0], args[1])
		if err != nil {
			return fmt.Errorf("put failed: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okFmt("OK"), ack)
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <key>",
	Short: "Look up a value",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, closeFn, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer closeFn()

		value, found, err := c.Get(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("get failed: %w", err)
		}
		if !found {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", keyFmt(args[0]), missFmt("(not found)"))
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\n", value)
		return nil
	},
}
