package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/selfsession/authcore/internal/config"
	"github.com/selfsession/authcore/internal/pending"
)

var respondDir string

func init() {
	rootCmd.AddCommand(respondCmd)
	rootCmd.AddCommand(pendingCmd)
	respondCmd.Flags().StringVar(&respondDir, "dir", "", "Pending challenge directory (defaults to the configured one)")
	pendingCmd.Flags().StringVar(&respondDir, "dir", "", "Pending challenge directory (defaults to the configured one)")
}

var respondCmd = &cobra.Command{
	Use:   "respond <acc_id> <response>",
	Short: "Answer a published confirmation challenge",
	Long:  "Writes a response file into the watched response directory. A running\nserver stages it for the next dispatch of the action; the token is still\nvalidated (and consumed) inside the dispatch itself.",
	Args:  cobra.ExactArgs(2),
	RunE:  runRespond,
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List published confirmation challenges",
	RunE:  runPending,
}

func pendingDir() (string, error) {
	if respondDir != "" {
		return respondDir, nil
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return "", err
	}
	return cfg.PendingDir, nil
}

func runRespond(cmd *cobra.Command, args []string) error {
	dir, err := pendingDir()
	if err != nil {
		return err
	}

	store, err := pending.NewStore(dir)
	if err != nil {
		return err
	}
	respDir := store.ResponseDir()
	if err := os.MkdirAll(respDir, 0755); err != nil {
		return err
	}

	r := pending.Response{ACCID: args[0], Response: args[1]}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return err
	}

	// tmp then rename, so the watcher never reads a partial write.
	path := filepath.Join(respDir, r.ACCID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}

	fmt.Printf("response recorded for %s\n", r.ACCID)
	return nil
}

func runPending(cmd *cobra.Command, args []string) error {
	dir, err := pendingDir()
	if err != nil {
		return err
	}

	store, err := pending.NewStore(dir)
	if err != nil {
		return err
	}
	challenges, err := store.List()
	if err != nil {
		return err
	}
	if len(challenges) == 0 {
		fmt.Println("no pending challenges")
		return nil
	}

	out, err := json.MarshalIndent(challenges, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
