package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/selfsession/authcore/internal/audit"
)

var (
	tailLines int
	exportDay string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditExportCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent records to show")
	auditExportCmd.Flags().StringVar(&exportDay, "day", "", "Day to export (YYYY-MM-DD)")
	_ = auditExportCmd.MarkFlagRequired("day")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Forensic log operations",
	Long:  "Commands for verifying and inspecting the hash-chained forensic log and its compliance archive.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify <path>",
	Short: "Verify a forensic log's hash chain and entry seals",
	Long:  "Walks the JSONL forensic log, validating that every record's prev_hash\nmatches the SHA-256 of the previous line and that every sealed entry's\nseal hash is intact. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail <path>",
	Short: "Show recent forensic log records",
	Long:  "Reads the last N records from the JSONL forensic log and pretty-prints them.",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditTail,
}

var auditExportCmd = &cobra.Command{
	Use:   "export <archive.db>",
	Short: "Export one day of sealed entries from the compliance archive",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuditExport,
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	result := audit.Verify(args[0])
	if result.Valid {
		fmt.Printf("OK: %d records verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open forensic log: %w", err)
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read forensic log: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}

	for _, line := range lines[start:] {
		var rec map[string]any
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			fmt.Println(line)
			continue
		}
		out, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(out))
	}

	return nil
}

func runAuditExport(cmd *cobra.Command, args []string) error {
	archive, err := audit.OpenArchive(args[0])
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	defer archive.Close()

	export, err := archive.ExportDay(exportDay)
	if err != nil {
		return fmt.Errorf("export day %s: %w", exportDay, err)
	}

	out, err := json.MarshalIndent(export, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
