package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cragr/snowmirror/internal/models"
)

// NewRecordCommand creates the record command group.
func NewRecordCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Operate on individual records",
	}

	cmd.AddCommand(newRecordSyncCommand())
	cmd.AddCommand(newRecordShowCommand())
	cmd.AddCommand(newRecordHistoryCommand())

	return cmd
}

func newRecordSyncCommand() *cobra.Command {
	var recordType string

	cmd := &cobra.Command{
		Use:   "sync <external-id>",
		Short: "Re-fetch one record from the remote system",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := models.RecordType(recordType)
			if !t.Valid() {
				return fmt.Errorf("unknown record type %q", recordType)
			}

			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			if ok := app.Reconciler.SyncOne(cmd.Context(), args[0], t); !ok {
				return fmt.Errorf("sync of %s/%s failed", t, args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "synced %s/%s\n", t, args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&recordType, "type", "incident", "record type (incident|change_task|sc_task)")
	return cmd
}

func newRecordShowCommand() *cobra.Command {
	var recordType string

	cmd := &cobra.Command{
		Use:   "show <external-id>",
		Short: "Print one stored record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := models.RecordType(recordType)
			if !t.Valid() {
				return fmt.Errorf("unknown record type %q", recordType)
			}

			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			rec, err := app.Repo.Get(cmd.Context(), args[0], t)
			if err != nil {
				return err
			}
			if rec == nil {
				return fmt.Errorf("record %s/%s not found", t, args[0])
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.Flags().StringVar(&recordType, "type", "incident", "record type (incident|change_task|sc_task)")
	return cmd
}

func newRecordHistoryCommand() *cobra.Command {
	var (
		recordType string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "history <external-id>",
		Short: "Print a record's audit trail, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			t := models.RecordType(recordType)
			if !t.Valid() {
				return fmt.Errorf("unknown record type %q", recordType)
			}

			app, err := buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer app.Close()

			trail, err := app.Repo.AuditTrail(cmd.Context(), args[0], t, limit)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(trail)
		},
	}

	cmd.Flags().StringVar(&recordType, "type", "incident", "record type (incident|change_task|sc_task)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum entries to print")
	return cmd
}
