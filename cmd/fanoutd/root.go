package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"fanout/internal/app"
	"fanout/internal/config"
	"fanout/internal/dispatch"
	"fanout/internal/ledger"
	"fanout/internal/scheduler"
	logx "fanout/pkg/logx"
)

type rootFlags struct {
	config string
	dryRun bool
}

func newRootCmd() *cobra.Command {
	f := &rootFlags{}
	root := &cobra.Command{
		Use:           "fanoutd",
		Short:         "Rate-limited broadcast dispatch for Telegram",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&f.config, "config", "c", "./config.yaml", "path to config file (yaml or json)")
	root.PersistentFlags().BoolVar(&f.dryRun, "dry-run", false, "print deliveries instead of calling the Bot API")

	root.AddCommand(newRunCmd(f), newSendCmd(f), newDeleteCmd(f), newStatusCmd(f))
	return root
}

func (f *rootFlags) open(out io.Writer) (*app.App, error) {
	var opts []app.Option
	if f.dryRun {
		t := &dryRunTransport{w: out}
		opts = append(opts, app.WithTransport(t, t))
	}
	return app.New(f.config, opts...)
}

func newRunCmd(f *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the daemon: scheduled broadcasts, auto-resume and metrics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := f.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigCh)

			if err := a.Start(ctx); err != nil {
				_ = a.Close()
				return err
			}

			reason := app.StopUnknown
			select {
			case sig := <-sigCh:
				reason = app.StopSIGINT
				if sig == syscall.SIGTERM {
					reason = app.StopSIGTERM
				}
			case <-a.Done():
				reason = app.StopFatalError
			}

			stopCtx, stopCancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
			defer stopCancel()
			return a.Stop(stopCtx, reason)
		},
	}
}

type sendFlags struct {
	session   string
	to        []string
	text      string
	parseMode string
	copyChat  int64
	copyIDs   []int
	source    string
	single    bool
}

func newSendCmd(f *rootFlags) *cobra.Command {
	sf := &sendFlags{}
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Fan a message out once and print the summary",
		RunE: func(cmd *cobra.Command, _ []string) error {
			p, err := sf.payload()
			if err != nil {
				return err
			}
			a, err := f.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()

			if sf.single {
				if len(sf.to) != 1 {
					return errors.New("--single needs exactly one --to")
				}
				res, err := a.Dispatcher().ForwardSingle(cmd.Context(), sf.session, sf.to[0], p)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			}
			sum, err := a.Dispatcher().FanOut(cmd.Context(), sf.session, sf.to, p)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&sf.session, "session", "", "sending session identity")
	fl.StringSliceVar(&sf.to, "to", nil, "recipient chat IDs or @usernames")
	fl.StringVar(&sf.text, "text", "", "message text")
	fl.StringVar(&sf.parseMode, "parse-mode", "", "HTML or MarkdownV2")
	fl.Int64Var(&sf.copyChat, "copy-chat", 0, "chat ID to copy messages from")
	fl.IntSliceVar(&sf.copyIDs, "copy-ids", nil, "message IDs to copy (several form an album)")
	fl.StringVar(&sf.source, "source", "", "ledger source ID (default: derived from the payload and time)")
	fl.BoolVar(&sf.single, "single", false, "deliver to one recipient with retries")
	_ = cmd.MarkFlagRequired("session")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func (sf *sendFlags) payload() (dispatch.Payload, error) {
	p := dispatch.Payload{SourceID: strings.TrimSpace(sf.source), Text: sf.text, ParseMode: sf.parseMode}
	if len(sf.copyIDs) > 0 {
		if sf.copyChat == 0 {
			return p, errors.New("--copy-ids needs --copy-chat")
		}
		p.CopyFrom = &dispatch.SourceRef{ChatID: sf.copyChat, MessageIDs: sf.copyIDs}
	}
	if p.SourceID == "" {
		name := "cli"
		if p.CopyFrom != nil {
			name = "copy:" + strconv.FormatInt(sf.copyChat, 10) + ":" + strconv.Itoa(sf.copyIDs[0])
		}
		p.SourceID = scheduler.SourceID(name, time.Now())
	}
	return p, nil
}

func newDeleteCmd(f *rootFlags) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete every delivered copy of a source message",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := f.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			sum, err := a.Dispatcher().DeleteDeliveries(cmd.Context(), source)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), sum)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "ledger source ID")
	_ = cmd.MarkFlagRequired("source")
	return cmd
}

type broadcastView struct {
	Name     string    `json:"name"`
	Session  string    `json:"session"`
	Schedule string    `json:"schedule"`
	Next     time.Time `json:"next"`
}

type statusView struct {
	Config     string          `json:"config"`
	Storage    string          `json:"storage"`
	Sessions   []string        `json:"sessions"`
	Broadcasts []broadcastView `json:"broadcasts"`
}

func newStatusCmd(f *rootFlags) *cobra.Command {
	var source string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configured sessions and broadcasts, or the ledger of one source",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := config.NewManager(f.config).Load()
			if err != nil {
				return err
			}
			if source != "" {
				lg, err := ledger.Open(ledger.Config{
					Driver:      rt.Storage.Driver,
					Path:        rt.Storage.Path,
					BusyTimeout: rt.Storage.BusyTimeout,
				}, logx.Nop())
				if err != nil {
					return err
				}
				defer lg.Close()
				recs, err := lg.FindByMessage(cmd.Context(), source)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), recs)
			}
			view := statusView{Config: f.config, Storage: rt.Storage.Driver, Sessions: rt.Sessions}
			now := time.Now()
			for _, b := range rt.Broadcasts {
				bv := broadcastView{Name: b.Name, Session: b.Session, Schedule: b.Schedule}
				if p, err := scheduler.ParseSchedule(b.Schedule, b.Location); err == nil {
					bv.Next = p.Schedule.Next(now)
				}
				view.Broadcasts = append(view.Broadcasts, bv)
			}
			return printJSON(cmd.OutOrStdout(), view)
		},
	}
	cmd.Flags().StringVar(&source, "source", "", "print ledger records of this source ID")
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// dryRunTransport prints what would be sent and hands out fake message IDs.
type dryRunTransport struct {
	w    io.Writer
	next atomic.Int64
}

func (d *dryRunTransport) Deliver(_ context.Context, recipientID string, p dispatch.Payload) (dispatch.Receipt, error) {
	id := strconv.FormatInt(d.next.Add(1), 10)
	what := fmt.Sprintf("text (%d bytes)", len(p.Text))
	if p.CopyFrom != nil {
		what = fmt.Sprintf("copy of %d message(s) from %d", len(p.CopyFrom.MessageIDs), p.CopyFrom.ChatID)
	}
	fmt.Fprintf(d.w, "dry-run: deliver %s to %s as %s\n", what, recipientID, id)
	return dispatch.Receipt{ExternalID: id, Count: 1}, nil
}

func (d *dryRunTransport) Remove(_ context.Context, recipientID, externalID string) error {
	fmt.Fprintf(d.w, "dry-run: delete %s in %s\n", externalID, recipientID)
	return nil
}
