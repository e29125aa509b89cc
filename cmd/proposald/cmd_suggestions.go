package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/Sophanos/saga-sub007/internal/domain"
	"github.com/Sophanos/saga-sub007/internal/review"
)

func newSuggestionsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "suggestions",
		Aliases: []string{"s"},
		Short:   "List, review and roll back suggestions",
	}
	cmd.AddCommand(
		newListCmd(opts),
		newShowCmd(opts),
		newDecideCmd(opts, domain.DecisionApprove),
		newDecideCmd(opts, domain.DecisionReject),
		newRollbackCmd(opts),
		newRecheckCmd(opts),
		newCitationsCmd(opts),
		newEventsCmd(opts),
	)
	return cmd
}

func newListCmd(opts *options) *cobra.Command {
	var (
		project string
		status  string
		limit   int
		search  string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List a project's suggestions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			feed := review.NewFeed(opts.client(), opts.cfg.PageSize)
			feed.SetFilter(project, domain.SuggestionStatus(status))
			for !feed.Done() && (limit <= 0 || feed.Len() < limit) {
				if _, err := feed.LoadMore(cmd.Context()); err != nil {
					return err
				}
			}
			items := feed.Items(search)
			if limit > 0 && len(items) > limit {
				items = items[:limit]
			}
			printSuggestions(cmd.OutOrStdout(), items)
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id")
	cmd.Flags().StringVar(&status, "status", string(domain.StatusProposed), "proposed, accepted, rejected, resolved or all")
	cmd.Flags().IntVar(&limit, "limit", 0, "stop after this many suggestions (0 loads every page)")
	cmd.Flags().StringVarP(&search, "search", "q", "", "only show suggestions matching this text")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show one suggestion as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), s)
		},
	}
}

func newDecideCmd(opts *options, decision domain.Decision) *cobra.Command {
	return &cobra.Command{
		Use:   string(decision) + " <id>...",
		Short: "Apply the " + string(decision) + " decision to suggestions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			outcomes, err := opts.client().ApplyDecisions(cmd.Context(), args, decision)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			failed := 0
			for _, o := range outcomes {
				if o.Error != "" {
					failed++
					fmt.Fprintf(out, "%s\tfailed\t%s\n", o.SuggestionID, o.Error)
					continue
				}
				fmt.Fprintf(out, "%s\t%s\n", o.SuggestionID, o.Suggestion.Stage)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d decisions failed", failed, len(outcomes))
			}
			return nil
		},
	}
}

func newRollbackCmd(opts *options) *cobra.Command {
	var cascade bool
	cmd := &cobra.Command{
		Use:   "rollback <id>",
		Short: "Undo an executed suggestion",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Rollback(cmd.Context(), args[0], cascade)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", s.ID, s.Stage)
			return nil
		},
	}
	cmd.Flags().BoolVar(&cascade, "cascade", false, "also remove relationships of a rolled back entity")
	return cmd
}

func newRecheckCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "recheck <id>",
		Short: "Recompute a pending suggestion's preflight",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := opts.client().Recheck(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s\t%s\n", s.ID, s.Preflight.Status)
			for _, e := range s.Preflight.Errors {
				fmt.Fprintf(out, "  error: %s\n", e)
			}
			for _, w := range s.Preflight.Warnings {
				fmt.Fprintf(out, "  warning: %s\n", w)
			}
			return nil
		},
	}
}

func newCitationsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "citations <id>",
		Short: "List the memories and documents a suggestion cites",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cits, err := opts.client().Citations(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SOURCE\tVISIBILITY\tREASON\tEXCERPT")
			for _, c := range cits {
				excerpt := c.Excerpt
				if c.Visibility == domain.VisibilityRedacted {
					excerpt = "[redacted]"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", c.SourceKind, c.Visibility, c.Reason, oneLine(excerpt, 60))
			}
			return tw.Flush()
		},
	}
}

func newEventsCmd(opts *options) *cobra.Command {
	var (
		project string
		since   int64
	)
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print a project's suggestion events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			events, err := opts.client().Events(cmd.Context(), project, since)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, ev := range events {
				fmt.Fprintf(out, "%d\t%s\t%s\t%s\n", ev.SeqNo, time.UnixMilli(ev.CreatedAt).Format(time.RFC3339), ev.EventType, ev.SuggestionID)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project id")
	cmd.Flags().Int64Var(&since, "since", 0, "only events after this sequence number")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newDocumentsCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "documents",
		Short: "Read and save project documents",
	}

	show := &cobra.Command{
		Use:   "show <project> <document>",
		Short: "Print a document's content",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := opts.client().Document(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s (version %d)\n", doc.Title, doc.Version)
			_, err = io.WriteString(cmd.OutOrStdout(), doc.Content)
			return err
		},
	}

	var (
		title   string
		file    string
		version int64
	)
	save := &cobra.Command{
		Use:   "save <project> <document>",
		Short: "Save a document from a file or stdin and recheck pending suggestions",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				content []byte
				err     error
			)
			if file == "" || file == "-" {
				content, err = io.ReadAll(cmd.InOrStdin())
			} else {
				content, err = os.ReadFile(file)
			}
			if err != nil {
				return fmt.Errorf("read content: %w", err)
			}
			doc, err := opts.client().SaveDocument(cmd.Context(), args[0], args[1], title, string(content), version)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\tversion %d\n", doc.ID, doc.Version)
			return nil
		},
	}
	save.Flags().StringVar(&title, "title", "", "document title")
	save.Flags().StringVarP(&file, "file", "f", "-", "content file, - for stdin")
	save.Flags().Int64Var(&version, "expected-version", 0, "version the server must still hold (0 creates the document)")

	cmd.AddCommand(show, save)
	return cmd
}

func printSuggestions(w io.Writer, items []domain.Suggestion) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTAGE\tOPERATION\tTARGET\tRISK\tPREFLIGHT\tCREATED")
	for _, s := range items {
		target := s.TargetID
		if target == "" {
			target = "(new)"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.Stage, s.Operation, target, s.RiskLevel, s.Preflight.Status,
			time.UnixMilli(s.CreatedAt).Format("2006-01-02 15:04"))
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if r := []rune(s); len(r) > n {
		return string(r[:n-1]) + "…"
	}
	return s
}
