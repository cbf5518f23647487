package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"attache/internal/attacher"
	"attache/internal/config"
)

func newRecordCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Create, list, show and delete records",
	}
	cmd.AddCommand(
		newRecordCreateCmd(cfg, jsonOutput),
		newRecordListCmd(cfg, jsonOutput),
		newRecordShowCmd(cfg, jsonOutput),
		newRecordDeleteCmd(cfg, jsonOutput),
	)
	return cmd
}

func newRecordCreateCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "create <type>",
		Short: "Create an empty record",
		Args:  requireExactlyArgs(1, "record type is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(a *app) error {
				rec, err := a.store.CreateRecord(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(newRecordView(rec))
				}
				return writePlain("%s\n", rec.Ref())
			})
		},
	}
}

func newRecordListCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list <type>",
		Short: "List records of one type",
		Args:  requireExactlyArgs(1, "record type is required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, cfg, func(a *app) error {
				records, err := a.store.ListRecords(cmd.Context(), args[0], limit)
				if err != nil {
					return err
				}
				if *jsonOutput {
					views := make([]recordView, 0, len(records))
					for _, rec := range records {
						views = append(views, newRecordView(rec))
					}
					return writeJSON(views)
				}
				return writeRecordList(records)
			})
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of records")
	return cmd
}

func newRecordShowCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "show <type> <id>",
		Short: "Show a record with all its attachments",
		Args:  requireRecordRef,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRecordRef(args)
			if err != nil {
				return err
			}
			return withApp(cmd, cfg, func(a *app) error {
				rec, err := a.store.GetRecord(cmd.Context(), ref)
				if err != nil {
					return err
				}
				views := []attachmentView{}
				for _, name := range a.registry.Names() {
					att, err := a.registry.ForRecord(name, rec)
					if err != nil {
						return err
					}
					views = append(views, newAttachmentView(att))
				}
				if *jsonOutput {
					return writeJSON(struct {
						Record      recordView       `json:"record"`
						Attachments []attachmentView `json:"attachments"`
					}{newRecordView(rec), views})
				}
				if err := writePlain("%s\n", formatRecordLine(newRecordView(rec))); err != nil {
					return err
				}
				for _, view := range views {
					if err := writePlain("\n"); err != nil {
						return err
					}
					if err := writeAttachmentDetail(view); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func newRecordDeleteCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <type> <id>",
		Short: "Delete a record and destroy its attached files",
		Args:  requireRecordRef,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRecordRef(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(cmd, cfg, func(a *app) error {
				rec, err := a.store.GetRecord(ctx, ref)
				if err != nil {
					return err
				}
				attachers := make([]*attacher.Attacher, 0, len(a.registry.Names()))
				for _, name := range a.registry.Names() {
					att, err := a.registry.ForRecord(name, rec)
					if err != nil {
						return err
					}
					attachers = append(attachers, att)
				}

				if err := a.store.DeleteRecord(ctx, ref); err != nil {
					return err
				}

				var errs []error
				for _, att := range attachers {
					if err := att.DestroyAttached(ctx); err != nil {
						errs = append(errs, fmt.Errorf("destroy %s: %w", att.Name(), err))
					}
				}
				if err := errors.Join(errs...); err != nil {
					return err
				}
				if *jsonOutput {
					return writeJSON(map[string]any{"deleted": ref})
				}
				return writePlain("deleted %s\n", ref)
			})
		},
	}
}
