package cmd

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/iepathos/rustle-deploy/pkg/compilecache"
)

var inspectCacheDirFlag string

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Work with the compilation cache",
}

var cacheInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "List cached binaries and their metadata",
	RunE: func(cmd *cobra.Command, args []string) error {
		cache, err := compilecache.New(inspectCacheDirFlag)
		if err != nil {
			return err
		}

		keys, err := cache.Keys()
		if err != nil {
			return err
		}

		type entry struct {
			Key  string             `json:"key"`
			Meta compilecache.Meta  `json:"meta"`
		}
		entries := make([]entry, 0, len(keys))
		for _, key := range keys {
			if meta, ok := cache.GetMeta(key); ok {
				entries = append(entries, entry{Key: key, Meta: meta})
			}
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

func init() {
	cacheInspectCmd.Flags().StringVar(&inspectCacheDirFlag, "cache-dir", defaultCacheDir(), "Compilation cache directory")
	cacheCmd.AddCommand(cacheInspectCmd)
}
