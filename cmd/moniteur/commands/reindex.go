package commands

import (
	"github.com/spf13/cobra"

	"github.com/moniteurlabs/moniteur/pkg/app"
)

var reindexVersion string

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Rebuild the retrieval index from stored documents",
	Long: `Re-embed every stored document into a fresh index and flip the alias
to it atomically. Run after changing the embedding model or version;
queries keep hitting the old index until the new one is ready.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if reindexVersion != "" {
			cfg.Embedding.Version = reindexVersion
		}
		log := newLogger(cfg)
		ctx := cmd.Context()

		a, err := app.New(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close(ctx)

		if err := a.Pipeline.ReindexFromStore(ctx, cfg.Embedding.Version); err != nil {
			return err
		}
		log.Info("reindex complete", "embed_version", cfg.Embedding.Version)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reindexCmd)
	reindexCmd.Flags().StringVar(&reindexVersion, "embed-version", "", "Embedding version for the new index (default from config)")
}
