package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tether/eta"
	"tether/model"
	"tether/session"
	"tether/store"
	"tether/style"
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow deploy progress with a live time-remaining estimate",
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
		engine := eta.NewEngine(loadBenchmarks(db), eta.DefaultConfig())
		clock := newStageClock(db)

		mgr.OnStatusChange(func(st session.Status) {
			fmt.Printf("\r\033[K%s %s\n", statusDot(st.State), describeStatus(st))
		})
		mgr.OnProgress(func(evt model.ProgressEvent) {
			engine.Observe(evt)
			clock.observe(evt)
			for _, line := range evt.Logs {
				fmt.Printf("\r\033[K  %s\n", style.DimText.Render(line))
			}
		})
		mgr.OnReset(func() { engine.Reset() })

		mgr.Connect()

		// Two independent schedules: the 1s tick is the authoritative
		// recomputation; the 100ms tick only counts the displayed
		// number down between recomputations and is always reset from
		// the authoritative estimate.
		authoritative := time.NewTicker(time.Second)
		defer authoritative.Stop()
		cosmetic := time.NewTicker(100 * time.Millisecond)
		defer cosmetic.Stop()

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

		shown := eta.Unknown()
		for {
			select {
			case <-authoritative.C:
				shown = engine.Tick(time.Now())
			case <-cosmetic.C:
				if shown.Known && shown.Seconds > 0.1 {
					shown.Seconds -= 0.1
				}
				fmt.Printf("\r\033[K%s", renderETA(mgr.Status(), shown))
			case <-sig:
				fmt.Println()
				mgr.Disconnect("user exit")
				return nil
			}
		}
	},
}

func statusDot(s session.State) string {
	switch s {
	case session.StateConnected:
		return style.DotHealthy
	case session.StateConnecting, session.StateReconnecting:
		return style.DotWarning
	case session.StateFailed:
		return style.DotUnhealthy
	default:
		return style.DotDim
	}
}

func describeStatus(st session.Status) string {
	switch st.State {
	case session.StateReconnecting:
		return fmt.Sprintf("reconnecting (attempt %d, %d queued)", st.Attempt, st.Queued)
	case session.StateFailed:
		return "connection failed — run again or check the orchestrator"
	default:
		return string(st.State)
	}
}

func renderETA(st session.Status, est eta.Estimate) string {
	dot := statusDot(st.State)
	if !est.Known {
		return fmt.Sprintf("%s %s", dot, style.DimText.Render("estimating..."))
	}
	remaining := time.Duration(est.Seconds * float64(time.Second)).Round(time.Second)
	trend := ""
	switch est.Trend {
	case eta.TrendFaster:
		trend = style.Healthy.Render(" ↑")
	case eta.TrendSlower:
		trend = style.Warning.Render(" ↓")
	}
	return fmt.Sprintf("%s %s %s%s",
		dot,
		style.Bold.Render("~"+remaining.String()),
		style.DimText.Render(string(est.Confidence)),
		trend,
	)
}

// stageClock times stage transitions so completed stages feed the
// local duration history.
type stageClock struct {
	db      *store.DB
	current model.StageID
	since   time.Time
}

func newStageClock(db *store.DB) *stageClock {
	return &stageClock{db: db}
}

func (c *stageClock) observe(evt model.ProgressEvent) {
	stage := model.Classify(string(evt.Stage))
	if stage == c.current {
		return
	}
	now := evt.ReceivedAt
	if now.IsZero() {
		now = time.Now()
	}
	if c.current != model.StageUnknown && !c.since.IsZero() {
		c.db.RecordStageDuration(c.current, now.Sub(c.since).Seconds())
	}
	c.current = stage
	c.since = now
}

func init() {
	rootCmd.AddCommand(watchCmd)
}
