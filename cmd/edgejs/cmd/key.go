// Package cmd 提供 edgejs 命令行工具的所有子命令实现。
// 本文件实现 key 命令，用于生成租户 API Key 及其哈希。
package cmd

import (
	"fmt"

	"github.com/oriys/edgejs/internal/auth"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage tenant API keys",
	Long: `Generate API keys and compute the hashes stored under tenants.<id>.api_key_hashes.

Only the hash belongs in the engine config; hand the key itself to the caller.`,
}

var keyGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new API key",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, hash, err := auth.GenerateAPIKey()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "key:  %s\n", key)
		fmt.Fprintf(out, "hash: %s\n", hash)
		return nil
	},
}

var keyHashCmd = &cobra.Command{
	Use:   "hash <key>",
	Short: "Print the hash of an existing API key",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), auth.HashAPIKey(args[0]))
	},
}

func init() {
	rootCmd.AddCommand(keyCmd)
	keyCmd.AddCommand(keyGenerateCmd)
	keyCmd.AddCommand(keyHashCmd)
}
