package main

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"example.com/retention/internal/config"
	"example.com/retention/internal/domain"
	"example.com/retention/internal/segments"
)

type selection struct {
	usernames []string
	site      string
	start     string
	end       string
}

func (s *selection) register(cmd *cobra.Command) {
	cmd.Flags().StringArrayVar(&s.usernames, "username", nil, "restrict to this username (repeatable)")
	cmd.Flags().StringVar(&s.site, "site", "", "site the segments belong to")
	cmd.Flags().StringVar(&s.start, "start", "", "first date, YYYY-MM-DD (default: each user's signup date)")
	cmd.Flags().StringVar(&s.end, "end", "", "last date, YYYY-MM-DD (default: yesterday)")
}

func (s *selection) dateRange() (segments.Range, error) {
	var r segments.Range
	var err error
	if r.Start, err = parseDate("start", s.start); err != nil {
		return r, err
	}
	if r.End, err = parseDate("end", s.end); err != nil {
		return r, err
	}
	return r, r.Validate()
}

func parseDate(flag, value string) (civil.Date, error) {
	if value == "" {
		return civil.Date{}, nil
	}
	date, err := civil.ParseDate(value)
	if err != nil {
		return civil.Date{}, xerrors.Errorf("--%s %q is not YYYY-MM-DD: %w", flag, value, domain.ErrValidation)
	}
	return date, nil
}

func newRootCommand() *cobra.Command {
	v := config.New()
	root := &cobra.Command{
		Use:           "segments",
		Short:         "Backfill and clear per-user daily segment assignments",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags := root.PersistentFlags()
	flags.String("lock-backend", "", "lock backend: file, postgres or redis")
	flags.String("storage-backend", "", "storage backend: postgres or memory")
	flags.String("log-mode", "", "production or development")
	bindFlag(v, "LOCK_BACKEND", root, "lock-backend")
	bindFlag(v, "STORAGE_BACKEND", root, "storage-backend")
	bindFlag(v, "LOG_MODE", root, "log-mode")

	root.AddCommand(newUpdateCommand(v), newClearCommand(v))
	return root
}

func bindFlag(v *viper.Viper, key string, cmd *cobra.Command, name string) {
	if err := v.BindPFlag(key, cmd.PersistentFlags().Lookup(name)); err != nil {
		panic(err)
	}
}

func newUpdateCommand(v *viper.Viper) *cobra.Command {
	var (
		sel  selection
		wait bool
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Assign missing segments for every registered category",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := sel.dateRange()
			if err != nil {
				return err
			}
			env, err := openEnv(cmd.Context(), v, sel.site)
			if err != nil {
				return err
			}
			defer env.Close()

			report, err := env.runner.Update(cmd.Context(), segments.UpdateOptions{
				Usernames: sel.usernames,
				Site:      sel.site,
				Range:     r,
				Wait:      wait,
			})
			if err != nil {
				return err
			}
			env.logger.Info("update complete", zap.Int("users", report.Users), zap.Int("assigned", report.Assigned))
			fmt.Fprintf(cmd.OutOrStdout(), "Updated %d users, %d new segments\n", report.Users, report.Assigned)
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for a running backfill instead of failing")
	return cmd
}

func newClearCommand(v *viper.Viper) *cobra.Command {
	var (
		sel      selection
		category string
		noInput  bool
	)
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete segment assignments matching the filters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := sel.dateRange()
			if err != nil {
				return err
			}
			env, err := openEnv(cmd.Context(), v, sel.site)
			if err != nil {
				return err
			}
			defer env.Close()

			opts := segments.ClearOptions{
				Usernames: sel.usernames,
				Site:      sel.site,
				Range:     r,
				Category:  category,
			}
			if !noInput {
				opts.Confirm = confirmPrompt(cmd.InOrStdin(), cmd.OutOrStdout(), env.registry)
			}
			deleted, err := env.runner.Clear(cmd.Context(), opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d segments\n", deleted)
			return nil
		},
	}
	sel.register(cmd)
	cmd.Flags().StringVar(&category, "category", "", "only clear this category")
	cmd.Flags().BoolVar(&noInput, "noinput", false, "do not ask for confirmation")
	return cmd
}

// confirmPrompt lists the rows about to be deleted and asks for a yes.
func confirmPrompt(in io.Reader, out io.Writer, registry *segments.Registry) func([]domain.SegmentAssignment) (bool, error) {
	return func(rows []domain.SegmentAssignment) (bool, error) {
		for _, row := range rows {
			label := row.Label
			if category, ok := registry.Lookup(row.Category); ok {
				if name, ok := category.Label(row.Label); ok {
					label = name
				}
			}
			fmt.Fprintf(out, "%s\t%s\t%s\t%s\n", row.Date, row.UserID, row.Category, label)
		}
		fmt.Fprintf(out, "%d segments\n", len(rows))
		fmt.Fprint(out, "Clear these segments? [yN] ")

		answer, err := bufio.NewReader(in).ReadString('\n')
		if err != nil && err != io.EOF {
			return false, err
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		return answer == "y" || answer == "yes", nil
	}
}
