package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"attache/internal/attacher"
	"attache/internal/config"
	"attache/internal/models"
	"attache/internal/uploader"
)

// validationError reports collected validation messages.
type validationError struct {
	attachment string
	messages   []string
}

func (e *validationError) Error() string {
	return fmt.Sprintf("%s is invalid: %s", e.attachment, strings.Join(e.messages, "; "))
}

func newAttachCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var attachment string
	var direct bool
	var cacheOnly bool
	var descriptor bool

	cmd := &cobra.Command{
		Use:   "attach <type> <id> <file>",
		Short: "Attach a file to a record",
		Long: "Attach uploads the file to cache storage, saves the record and then promotes\n" +
			"the file to store storage (inline or through the job queue).\n" +
			"With --descriptor the last argument is the JSON descriptor of an already cached file.",
		Args: requireExactlyArgs(3, "record type, id and file are required"),
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRecordRef(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(cmd, cfg, func(a *app) error {
				rec, att, err := a.loadAttacher(ctx, ref, attachment)
				if err != nil {
					return err
				}

				switch {
				case descriptor:
					_, err = att.Assign(ctx, args[2])
				case direct:
					err = attachFile(args[2], func(f *os.File) error {
						_, err := att.Attach(ctx, f, uploader.Options{})
						return err
					})
				default:
					err = attachFile(args[2], func(f *os.File) error {
						_, err := att.Assign(ctx, f)
						return err
					})
				}
				if err != nil {
					return err
				}
				if messages := att.Errors(); len(messages) > 0 {
					return &validationError{attachment: attachment, messages: messages}
				}

				if err := a.store.Persist(ctx, rec); err != nil {
					return err
				}
				if !cacheOnly {
					if err := att.Finalize(ctx); err != nil {
						return err
					}
				}
				return writeAttachment(att, *jsonOutput)
			})
		},
	}

	cmd.Flags().StringVarP(&attachment, "attachment", "a", config.DefaultAttachment, "attachment name")
	cmd.Flags().BoolVar(&direct, "store", false, "upload straight to store storage, skipping cache")
	cmd.Flags().BoolVar(&cacheOnly, "cache-only", false, "leave the file cached; promote later")
	cmd.Flags().BoolVar(&descriptor, "descriptor", false, "treat the last argument as a cached file descriptor")
	cmd.MarkFlagsMutuallyExclusive("store", "descriptor")
	return cmd
}

func attachFile(path string, fn func(*os.File) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return fn(f)
}

func newPromoteCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var attachment string

	cmd := &cobra.Command{
		Use:   "promote <type> <id>",
		Short: "Promote a cached attachment to store storage",
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
				if !att.Cached() {
					return writePlain("nothing to promote (%s)\n", attachmentState(att))
				}

				retrieved, err := a.registry.Retrieve(ctx, attachment, ref, att.File().Ref())
				if err == nil {
					_, err = retrieved.AtomicPromote(ctx, attacher.AtomicOptions{})
				}
				if errors.Is(err, models.ErrAttachmentChanged) {
					return writePlain("attachment changed, nothing to do\n")
				}
				if err != nil {
					return err
				}
				return writeAttachment(retrieved, *jsonOutput)
			})
		},
	}

	cmd.Flags().StringVarP(&attachment, "attachment", "a", config.DefaultAttachment, "attachment name")
	return cmd
}

func newDestroyCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var attachment string

	cmd := &cobra.Command{
		Use:   "destroy <type> <id>",
		Short: "Remove an attachment from a record and delete its files",
		Args:  requireRecordRef,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRecordRef(args)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			return withApp(cmd, cfg, func(a *app) error {
				rec, att, err := a.loadAttacher(ctx, ref, attachment)
				if err != nil {
					return err
				}
				data := att.Data()
				if data.Empty() {
					return writePlain("nothing attached\n")
				}

				if err := att.Change(nil); err != nil {
					return err
				}
				if err := a.store.Persist(ctx, rec); err != nil {
					return err
				}

				// The record no longer references the files; delete them from a
				// detached attacher so background destroy gets a snapshot.
				// Derivatives without a file are deleted inline.
				detached, err := a.registry.New(attachment)
				if err != nil {
					return err
				}
				detached.LoadData(data)
				if data.File == nil {
					err = detached.Destroy(ctx)
				} else {
					err = detached.DestroyAttached(ctx)
				}
				if err != nil {
					return err
				}
				return writeAttachment(att, *jsonOutput)
			})
		},
	}

	cmd.Flags().StringVarP(&attachment, "attachment", "a", config.DefaultAttachment, "attachment name")
	return cmd
}
