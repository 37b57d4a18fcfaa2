package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/redact/internal/audit"
	"github.com/dativo-io/redact/internal/config"
)

var (
	auditCaller   string
	auditDocument string
	auditLimit    int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query and verify the redaction audit log",
}

var auditListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent redaction records",
	RunE:  auditList,
}

var auditShowCmd = &cobra.Command{
	Use:   "show [id]",
	Short: "Print one record as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  auditShow,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [id]",
	Short: "Verify the HMAC signature of a record",
	Args:  cobra.ExactArgs(1),
	RunE:  auditVerify,
}

func init() {
	auditListCmd.Flags().StringVar(&auditCaller, "caller", "", "only records from this caller")
	auditListCmd.Flags().StringVar(&auditDocument, "document", "", "only records for this document id")
	auditListCmd.Flags().IntVar(&auditLimit, "limit", 20, "maximum records to show (0 for all)")
	auditCmd.AddCommand(auditListCmd, auditShowCmd, auditVerifyCmd)
	rootCmd.AddCommand(auditCmd)
}

// withAuditStore opens the audit log for a read command.
func withAuditStore(ctx context.Context, fn func(context.Context, *audit.Store) error) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if !cfg.Audit {
		return fmt.Errorf("audit log is disabled (set audit: true)")
	}
	store, err := openAuditStore(cfg)
	if err != nil {
		return fmt.Errorf("opening audit log: %w", err)
	}
	defer store.Close()
	return fn(ctx, store)
}

func auditList(cmd *cobra.Command, args []string) error {
	return withAuditStore(cmd.Context(), func(ctx context.Context, store *audit.Store) error {
		records, err := store.List(ctx, audit.Filter{Caller: auditCaller, DocumentID: auditDocument, Limit: auditLimit})
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(records) == 0 {
			fmt.Fprintln(out, "No redaction records found.")
			return nil
		}
		w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tCALLER\tDOCUMENT\tSPANS\tENTITIES\tSTATUS")
		for i := range records {
			r := &records[i]
			status := "ok"
			if r.Error != "" {
				status = "failed:" + r.Stage
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				r.ID, r.Timestamp.Format(time.RFC3339), r.Caller, r.DocumentID,
				r.SpanCount, strings.Join(r.EntityTypes(), ","), status)
		}
		return w.Flush()
	})
}

func auditShow(cmd *cobra.Command, args []string) error {
	return withAuditStore(cmd.Context(), func(ctx context.Context, store *audit.Store) error {
		r, err := store.Get(ctx, args[0])
		if err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	})
}

func auditVerify(cmd *cobra.Command, args []string) error {
	return withAuditStore(cmd.Context(), func(ctx context.Context, store *audit.Store) error {
		ok, err := store.Verify(ctx, args[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %s: signature does not match", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "✓ Record %s: signature valid\n", args[0])
		return nil
	})
}
