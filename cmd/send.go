package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"tether/model"
	"tether/session"
)

var sendTimeout time.Duration

var sendCmd = &cobra.Command{
	Use:   "send <message>",
	Short: "Send a chat message to the orchestrator",
	Args:  cobra.MinimumNArgs(1),
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

		connected := make(chan struct{})
		mgr.OnStatusChange(func(st session.Status) {
			if st.State == session.StateConnected {
				select {
				case connected <- struct{}{}:
				default:
				}
			}
		})
		mgr.Connect()

		select {
		case <-connected:
		case <-time.After(sendTimeout):
			mgr.Disconnect("send timeout")
			return errors.New("orchestrator unreachable")
		}

		queued, err := mgr.Send(map[string]any{
			"type": model.TypeChat,
			"text": strings.Join(args, " "),
		})
		if err != nil {
			return err
		}
		if queued {
			return errors.New("connection dropped before the message was sent")
		}
		fmt.Println("sent")
		mgr.Disconnect("")
		return nil
	},
}

func init() {
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 15*time.Second, "how long to wait for a connection")
	rootCmd.AddCommand(sendCmd)
}
