package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"attache/internal/attacher"
	"attache/internal/config"
	"attache/internal/models"
)

func newDeriveCmd(cfg *config.Config, jsonOutput *bool) *cobra.Command {
	var attachment string
	var remove []string
	var keepFiles bool

	cmd := &cobra.Command{
		Use:   "derive <type> <id> [processor] [args...]",
		Short: "Create or remove derivatives of an attachment",
		Long: "Derive runs a processor (copy, gzip) against the attached file, uploads the\n" +
			"outputs and merges them into the attachment's derivatives.\n" +
			"With --remove, the derivative at the dotted path is removed instead.",
		Args: requireRecordRef,
		RunE: func(cmd *cobra.Command, args []string) error {
			ref, err := parseRecordRef(args)
			if err != nil {
				return err
			}
			if len(args) < 3 && len(remove) == 0 {
				return errors.New("processor or --remove is required")
			}
			ctx := cmd.Context()
			return withApp(cmd, cfg, func(a *app) error {
				_, att, err := a.loadAttacher(ctx, ref, attachment)
				if err != nil {
					return err
				}

				var created models.DerivativeMap
				if len(args) >= 3 {
					if !att.Attached() {
						return fmt.Errorf("nothing attached to %s", ref)
					}
					processorArgs := make([]any, 0, len(args)-3)
					for _, arg := range args[3:] {
						processorArgs = append(processorArgs, arg)
					}
					var uploadErr error
					created, uploadErr = att.CreateDerivatives(ctx, args[2], processorArgs...)
					if len(created) == 0 && uploadErr != nil {
						return uploadErr
					}
					if uploadErr != nil {
						a.logger.Warn("some derivatives failed", "error", uploadErr)
					}
				}

				var removed []models.Derivative
				for _, raw := range remove {
					node, err := att.RemoveDerivative(ctx, models.ParsePath(raw), false)
					if err != nil {
						return err
					}
					if node != nil {
						removed = append(removed, node)
					}
				}

				err = att.AtomicPersist(ctx, attacher.AtomicOptions{})
				if errors.Is(err, models.ErrAttachmentChanged) {
					for _, file := range created.All() {
						_ = a.storages.Delete(ctx, file)
					}
					return writePlain("attachment changed, nothing to do\n")
				}
				if err != nil {
					return err
				}

				if !keepFiles {
					for _, node := range removed {
						if err := att.DeleteDerivatives(ctx, node); err != nil {
							return err
						}
					}
				}
				return writeAttachment(att, *jsonOutput)
			})
		},
	}

	cmd.Flags().StringVarP(&attachment, "attachment", "a", config.DefaultAttachment, "attachment name")
	cmd.Flags().StringArrayVar(&remove, "remove", nil, "remove the derivative at a dotted path")
	cmd.Flags().BoolVar(&keepFiles, "keep-files", false, "keep files of removed derivatives")
	return cmd
}
