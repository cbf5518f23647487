package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"attache/internal/config"
	"attache/internal/storage"
)

func newCacheCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain cache storages",
	}
	cmd.AddCommand(newCacheClearCmd(cfg, jsonOutput))
	return cmd
}

func newCacheClearCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var olderThan time.Duration
	var apply bool

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete stale files from filesystem cache storages",
		Long: "Clear reports cached files older than --older-than in every filesystem storage\n" +
			"used as an attachment cache. Nothing is deleted unless --apply is given.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}
			return withApp(cmd, cfg, func(a *app) error {
				results := map[string]storage.ClearResult{}
				for _, key := range cacheStorageKeys(cfg) {
					fs, ok := a.filesystems[key]
					if !ok {
						a.logger.Debug("skipping non-filesystem cache", "storage", key)
						continue
					}
					result, err := fs.Clear(cmd.Context(), olderThan, apply)
					if err != nil {
						return fmt.Errorf("clear %s: %w", key, err)
					}
					results[key] = result
				}
				if *jsonOutput {
					return writeJSON(results)
				}
				keys := make([]string, 0, len(results))
				for key := range results {
					keys = append(keys, key)
				}
				sort.Strings(keys)
				for _, key := range keys {
					r := results[key]
					verb := "deleted"
					count := r.DeletedCount
					if r.DryRun {
						verb = "would delete"
						count = r.CandidateCount
					}
					if err := writePlain("%s: %s %d file(s), %d bytes\n", key, verb, count, r.ReclaimedBytes); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 24*time.Hour, "delete cached files older than this")
	cmd.Flags().BoolVar(&apply, "apply", false, "actually delete files")
	return cmd
}

// cacheStorageKeys lists the storages attachments use as cache, excluding
// any that also serve as a store.
func cacheStorageKeys(cfg *config.Config) []string {
	stores := map[string]struct{}{}
	for _, ac := range cfg.Attachments {
		stores[ac.Store] = struct{}{}
	}
	seen := map[string]struct{}{}
	var keys []string
	for _, name := range cfg.AttachmentNames() {
		key := cfg.Attachments[name].Cache
		if _, isStore := stores[key]; isStore {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
