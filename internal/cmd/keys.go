package cmd

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dativo-io/redact/internal/config"
	"github.com/dativo-io/redact/internal/transform"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Manage redaction keys in the encrypted key store",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate [name]",
	Short: "Generate a random 32-byte key; store it under name, or print it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  keysGenerate,
}

var keysSetCmd = &cobra.Command{
	Use:   "set [name] [base64-key]",
	Short: "Store an existing 32 or 64 byte key",
	Args:  cobra.ExactArgs(2),
	RunE:  keysSet,
}

var keysListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored keys (metadata only, key material not shown)",
	RunE:  keysList,
}

var keysDeleteCmd = &cobra.Command{
	Use:   "delete [name]",
	Short: "Delete a stored key",
	Args:  cobra.ExactArgs(1),
	RunE:  keysDelete,
}

var keysAuditCmd = &cobra.Command{
	Use:   "audit [name]",
	Short: "View the key access log",
	Args:  cobra.MaximumNArgs(1),
	RunE:  keysAudit,
}

var keysAuditLimit int

func init() {
	keysAuditCmd.Flags().IntVar(&keysAuditLimit, "limit", 20, "maximum records to show (0 for all)")
	keysCmd.AddCommand(keysGenerateCmd, keysSetCmd, keysListCmd, keysDeleteCmd, keysAuditCmd)
	rootCmd.AddCommand(keysCmd)
}

func keysGenerate(cmd *cobra.Command, args []string) error {
	encoded, err := transform.GenerateKey()
	if err != nil {
		return err
	}
	if len(args) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), encoded)
		return nil
	}
	if err := storeKey(cmd.Context(), args[0], encoded); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Key '%s' generated and stored (encrypted at rest)\n", args[0])
	return nil
}

func keysSet(cmd *cobra.Command, args []string) error {
	if err := storeKey(cmd.Context(), args[0], args[1]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Key '%s' stored (encrypted at rest)\n", args[0])
	return nil
}

func storeKey(ctx context.Context, name, encoded string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	material, err := transform.DecodeKey(encoded)
	if err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}
	defer store.Close()
	return store.Put(ctx, name, material)
}

func keysList(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}
	defer store.Close()

	list, err := store.List(ctx)
	if err != nil {
		return fmt.Errorf("listing keys: %w", err)
	}
	out := cmd.OutOrStdout()
	if len(list) == 0 {
		fmt.Fprintln(out, "No keys stored yet.")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tBYTES\tCREATED\tREADS")
	for _, k := range list {
		fmt.Fprintf(w, "%s\t%d\t%s\t%d\n", k.Name, k.Size, k.CreatedAt.Format(time.RFC3339), k.AccessCount)
	}
	return w.Flush()
}

func keysDelete(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}
	defer store.Close()

	if err := store.Delete(ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "✓ Key '%s' deleted\n", args[0])
	return nil
}

func keysAudit(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	store, err := openKeyStore(cfg)
	if err != nil {
		return fmt.Errorf("opening key store: %w", err)
	}
	defer store.Close()

	name := ""
	if len(args) == 1 {
		name = args[0]
	}
	records, err := store.AccessLog(ctx, name, keysAuditLimit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(records) == 0 {
		fmt.Fprintln(out, "No key reads recorded.")
		return nil
	}
	for _, r := range records {
		status := "✓"
		if !r.Found {
			status = "✗"
		}
		fmt.Fprintf(out, "%s %s %s by %s\n", status, r.Timestamp.Format(time.RFC3339), r.KeyName, r.Caller)
	}
	return nil
}
