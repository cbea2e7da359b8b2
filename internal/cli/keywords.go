package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"ranksheet-engine/internal/app"
)

var (
	keywordSlug        string
	keywordMarketplace string
	keywordDisabled    bool
)

var keywordsCmd = &cobra.Command{
	Use:   "keywords",
	Short: "Manage tracked keywords",
}

var keywordsAddCmd = &cobra.Command{
	Use:   "add <phrase...>",
	Short: "Register or update a keyword",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().AddKeyword(cmd.Context(), app.KeywordOptions{
			Slug:        keywordSlug,
			Phrase:      strings.Join(args, " "),
			Marketplace: keywordMarketplace,
			Disabled:    keywordDisabled,
		})
	},
}

var keywordsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered keywords and their refresh status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ListKeywords(cmd.Context())
	},
}

func init() {
	keywordsAddCmd.Flags().StringVar(&keywordSlug, "slug", "", "Identifier (derived from the phrase when empty)")
	keywordsAddCmd.Flags().StringVar(&keywordMarketplace, "marketplace", "", "Marketplace code (defaults to provider.marketplace)")
	keywordsAddCmd.Flags().BoolVar(&keywordDisabled, "disabled", false, "Register without including it in scheduled refreshes")

	keywordsCmd.AddCommand(keywordsAddCmd)
	keywordsCmd.AddCommand(keywordsListCmd)
}
