package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"tether/style"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the persisted session identity",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		id, createdAt, err := db.LoadSession()
		if err != nil {
			return err
		}
		if id == "" {
			fmt.Println(style.DimText.Render("no session yet — one is created on first connect"))
			return nil
		}
		fmt.Printf("%s %s\n", style.Bold.Render(id), style.DimText.Render("created "+createdAt.Format("2006-01-02 15:04:05")))
		return nil
	},
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Discard the current session and start a fresh one",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, err := openStore()
		if err != nil {
			return err
		}
		defer db.Close()

		mgr, err := newManager(db)
		if err != nil {
			return err
		}
		id, err := mgr.NewSession()
		if err != nil {
			return err
		}
		fmt.Printf("new session %s\n", style.Bold.Render(id))
		return nil
	},
}

func init() {
	sessionCmd.AddCommand(sessionNewCmd)
	rootCmd.AddCommand(sessionCmd)
}
