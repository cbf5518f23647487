package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"attache/internal/attacher"
	"attache/internal/config"
	"attache/internal/models"
	"attache/internal/storage"
)

func newShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var attachment string
	var refresh bool

	cmd := &cobra.Command{
		Use:   "show <type> <id>",
		Short: "Show attachment details",
		Args:  requireRecordRef,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRecordRef(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(cmd, cfg, func(a *app) error {
				_, att, err := a.loadAttacher(ctx, ref, attachment)
				if err != nil {
					return err
				}
				if refresh && att.Attached() {
					if err := att.RefreshMetadata(ctx); err != nil {
						return err
					}
					if err := att.AtomicPersist(ctx, attacher.AtomicOptions{}); err != nil {
						return err
					}
				}
				return writeAttachment(att, *jsonOutput)
			})
		},
	}

	cmd.Flags().StringVarP(&attachment, "attachment", "a", config.DefaultAttachment, "attachment name")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "re-extract metadata and persist it")
	return cmd
}

func newURLCmd(cfg *config.Config) *cobra.Command {
	var attachment string
	var host string
	var params []string

	cmd := &cobra.Command{
		Use:   "url <type> <id> [derivative path]",
		Short: "Print the URL of an attachment or one of its derivatives",
		Long:  "The derivative path is dot separated, e.g. thumbnails.small.",
		Args:  requireRecordRef,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRecordRef(args)
			if err != nil {
				return err
			}
			opts := storage.URLOptions{Host: host}
			if len(params) > 0 {
				opts.Params = map[string]string{}
				for _, param := range params {
					key, value, ok := strings.Cut(param, "=")
					if !ok || key == "" {
						return fmt.Errorf("invalid --param %q (want key=value)", param)
					}
					opts.Params[key] = value
				}
			}
			ctx := cmd.Context()
			return withApp(cmd, cfg, func(a *app) error {
				_, att, err := a.loadAttacher(ctx, ref, attachment)
				if err != nil {
					return err
				}
				var path models.Path
				for _, arg := range args[2:] {
					path = append(path, models.ParsePath(arg)...)
				}
				url, err := att.URL(ctx, opts, path...)
				if err != nil {
					return err
				}
				if url == "" {
					return fmt.Errorf("nothing attached to %s", ref)
				}
				return writePlain("%s\n", url)
			})
		},
	}

	cmd.Flags().StringVarP(&attachment, "attachment", "a", config.DefaultAttachment, "attachment name")
	cmd.Flags().StringVar(&host, "host", "", "URL host override")
	cmd.Flags().StringArrayVar(&params, "param", nil, "extra URL query parameter (key=value)")
	return cmd
}
