package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/unclebandit/rallymail-backend/internal/client"
	"github.com/unclebandit/rallymail-backend/internal/model"
)

func newSubmitCmd(g *globalFlags) *cobra.Command {
	var (
		camp     client.Campaign
		bodyFile string
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue a campaign",
		Example: `  campaignctl submit --subject "Stage 3 briefing" --body-file brief.html --to 4,8,15 --attach stage3.pdf --watch
  campaignctl submit --subject "Results" --body "<p>Final standings</p>" --all-active`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				camp.HTMLBody = string(data)
			}
			c := g.client()
			res, err := c.Submit(cmd.Context(), camp)
			if err != nil {
				return err
			}
			printf(cmd, "queued job %d for %d recipients\n", res.JobID, res.TotalRecipients)
			for _, a := range res.Attachments {
				printf(cmd, "  attached %s (%d bytes)\n", a.Filename, a.Size)
			}
			for _, r := range res.RejectedAttachments {
				printf(cmd, "  rejected %s: %s\n", r.Filename, r.Reason)
			}
			if !watch {
				return nil
			}
			return follow(cmd, c, res.JobID, interval)
		},
	}
	f := cmd.Flags()
	f.StringVar(&camp.Subject, "subject", "", "mail subject")
	f.StringVar(&camp.HTMLBody, "body", "", "HTML body")
	f.StringVar(&bodyFile, "body-file", "", "read the HTML body from a file")
	f.StringVar(&camp.TextBody, "text", "", "plain-text body (derived from the HTML when empty)")
	f.IntSliceVar(&camp.RecipientIDs, "to", nil, "subscriber IDs")
	f.BoolVar(&camp.AllActive, "all-active", false, "send to every active subscriber")
	f.StringArrayVar(&camp.Files, "attach", nil, "file to attach (repeatable)")
	f.BoolVar(&watch, "watch", false, "follow progress until the job finishes")
	f.DurationVar(&interval, "interval", client.DefaultPollInterval, "poll interval for --watch")
	_ = cmd.MarkFlagRequired("subject")
	cmd.MarkFlagsMutuallyExclusive("to", "all-active")
	cmd.MarkFlagsMutuallyExclusive("body", "body-file")
	return cmd
}

func jobIDArg(args []string) (int, error) {
	id, err := strconv.Atoi(args[0])
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", args[0])
	}
	return id, nil
}

func newStatusCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status JOB_ID",
		Short: "Show a job's progress once",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jobIDArg(args)
			if err != nil {
				return err
			}
			p, err := g.client().Status(cmd.Context(), id)
			if err != nil {
				return err
			}
			printProgress(cmd, *p)
			return nil
		},
	}
}

func newWatchCmd(g *globalFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch JOB_ID",
		Short: "Poll a job until it finishes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jobIDArg(args)
			if err != nil {
				return err
			}
			return follow(cmd, g.client(), id, interval)
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", client.DefaultPollInterval, "poll interval")
	return cmd
}

func follow(cmd *cobra.Command, c *client.Client, id int, interval time.Duration) error {
	final, err := c.Watch(cmd.Context(), id, interval, func(p model.JobProgress) {
		printProgress(cmd, p)
	})
	if err != nil {
		return err
	}
	if final.Status != model.JobCompleted {
		return fmt.Errorf("job %d ended %s", id, final.Status)
	}
	return nil
}

func printProgress(cmd *cobra.Command, p model.JobProgress) {
	line := fmt.Sprintf("job %d %-10s %3d%%  %d/%d processed, %d sent, %d failed",
		p.JobID, p.Status, p.Progress, p.ProcessedCount, p.TotalRecipients, p.SentCount, p.FailedCount)
	if p.CancellationRequested && !p.Status.Terminal() {
		line += " (cancelling)"
	}
	if p.ErrorMessage != "" {
		line += "  error: " + p.ErrorMessage
	}
	printf(cmd, "%s\n", line)
}

func newCancelCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel JOB_ID",
		Short: "Stop a queued or running job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jobIDArg(args)
			if err != nil {
				return err
			}
			accepted, err := g.client().Cancel(cmd.Context(), id)
			if err != nil {
				return err
			}
			if accepted {
				printf(cmd, "cancellation requested for job %d\n", id)
			} else {
				printf(cmd, "job %d had already finished\n", id)
			}
			return nil
		},
	}
}

func newHistoryCmd(g *globalFlags) *cobra.Command {
	var page, pageSize int
	var failures bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past campaigns, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := g.client().History(cmd.Context(), page, pageSize)
			if err != nil {
				return err
			}
			printf(cmd, "page %d/%d (%d campaigns)\n", res.Page, res.TotalPages, res.Total)
			for _, item := range res.Items {
				printf(cmd, "%5d  %-10s %3d%%  %4d sent %4d failed  %s  %s\n",
					item.ID, item.Status, item.Progress, item.SentCount, item.FailedCount,
					item.CreatedAt.Local().Format("2006-01-02 15:04"), item.Subject)
				if !failures {
					continue
				}
				for _, o := range item.Outcomes {
					if !o.Success {
						printf(cmd, "         ✗ %s: %s\n", o.Email, strings.TrimSpace(o.Error))
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "campaigns per page")
	cmd.Flags().BoolVar(&failures, "failures", false, "list failed recipients")
	return cmd
}

func newResubmitCmd(g *globalFlags) *cobra.Command {
	var watch bool
	cmd := &cobra.Command{
		Use:   "resubmit-failed JOB_ID",
		Short: "Queue a new job for the recipients that failed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jobIDArg(args)
			if err != nil {
				return err
			}
			c := g.client()
			res, err := c.ResubmitFailed(cmd.Context(), id)
			if err != nil {
				return err
			}
			printf(cmd, "queued job %d for %d recipients\n", res.JobID, res.TotalRecipients)
			if watch {
				return follow(cmd, c, res.JobID, client.DefaultPollInterval)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&watch, "watch", false, "follow progress until the job finishes")
	return cmd
}

func newAttachmentCmd(g *globalFlags) *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "attachment JOB_ID FILENAME",
		Short: "Download an attachment of a campaign",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := jobIDArg(args)
			if err != nil {
				return err
			}
			if out == "" {
				out = filepath.Base(args[1])
			}
			f, err := os.Create(out)
			if err != nil {
				return err
			}
			n, err := g.client().DownloadAttachment(cmd.Context(), id, args[1], f)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				os.Remove(out)
				return err
			}
			printf(cmd, "wrote %s (%d bytes)\n", out, n)
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "output", "o", "", "output path (defaults to FILENAME)")
	return cmd
}
