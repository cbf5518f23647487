package main

import (
	"errors"
	"strings"

	"github.com/spf13/cobra"

	"attache/internal/models"
	"attache/internal/store"
)

func requireAtLeastArgs(min int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) < min {
			return errors.New(message)
		}
		return nil
	}
}

func requireExactlyArgs(count int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != count {
			return errors.New(message)
		}
		return nil
	}
}

func requireRecordRef(cmd *cobra.Command, args []string) error {
	return requireAtLeastArgs(2, "record type and id are required")(cmd, args)
}

// parseRecordRef reads "<type> <id>" from the first two arguments.
func parseRecordRef(args []string) (models.RecordRef, error) {
	if len(args) < 2 {
		return models.RecordRef{}, errors.New("record type and id are required")
	}
	recordType, err := store.ParseRecordType(args[0])
	if err != nil {
		return models.RecordRef{}, err
	}
	ref := models.RecordRef{Type: recordType, ID: strings.TrimSpace(args[1])}
	if !ref.Persisted() {
		return models.RecordRef{}, errors.New("record id must not be empty")
	}
	return ref, nil
}
