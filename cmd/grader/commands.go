package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/programme-lv/grader/archive"
	"github.com/programme-lv/grader/catalog"
	"github.com/programme-lv/grader/export"
	"github.com/programme-lv/grader/feedback"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func ingestCmd() *cobra.Command {
	var student string
	cmd := &cobra.Command{
		Use:   "ingest <archive>",
		Short: "Extract and index a zip or tar.gz submission archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("failed to read archive: %w", err)
			}
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			got, err := a.Ingest(ctx, archive.Upload{Data: data, Student: student})
			if err != nil {
				return err
			}
			log.Info().Str("checksum", got.Extraction.Checksum).Int("files", got.Extraction.Files).Msg("archive ingested")

			fmt.Println(header("Archive %s", got.Extraction.Checksum[:12]))
			for _, subm := range got.Index.Submissions {
				present := 0
				for _, ex := range subm.Exercises {
					if ex.Present {
						present++
					}
				}
				fmt.Printf("%s %s\n", blue("%-24s", subm.Student), violet("%d/%d exercises", present, len(subm.Exercises)))
			}
			for _, u := range got.Index.Unrecognized {
				fmt.Printf("%s %s (%s)\n", red("unrecognized"), u.Path, u.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&student, "student", "s", "", "Student the archive belongs to")
	return cmd
}

func codesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "codes",
		Short: "Manage the error-code catalog",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List error codes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			codes, err := a.Catalog.List(ctx)
			if err != nil {
				return err
			}
			for _, c := range codes {
				fmt.Printf("%s %s %s\n", blue("%-12s", c.ID), violet("%6s", export.FormatPoints(c.DefaultDelta)), c.Label)
			}
			return nil
		},
	}

	var code catalog.ErrorCode
	addCmd := &cobra.Command{
		Use:   "add <id>",
		Short: "Add an error code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			code.ID = args[0]
			added, err := a.Catalog.Add(ctx, code)
			if err != nil {
				return err
			}
			fmt.Println(green("added %s (version %d)", added.ID, added.Version))
			return nil
		},
	}
	addCmd.Flags().StringVarP(&code.Label, "label", "l", "", "Short label (required)")
	addCmd.Flags().StringVarP(&code.Description, "description", "d", "", "Longer explanation")
	addCmd.Flags().Float64Var(&code.DefaultDelta, "delta", 0, "Default point delta, usually negative")
	addCmd.MarkFlagRequired("label")

	rmCmd := &cobra.Command{
		Use:   "rm <id>",
		Short: "Remove an unused error code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Catalog.Remove(ctx, args[0]); err != nil {
				return err
			}
			fmt.Println(green("removed %s", args[0]))
			return nil
		},
	}

	var to, grader string
	migrateCmd := &cobra.Command{
		Use:   "migrate <from>",
		Short: "Replace a code in every feedback entry, or drop it when --to is empty",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Feedback.MigrateCode(ctx, args[0], to, grader)
			if err != nil {
				return err
			}
			fmt.Println(green("migrated %d entries", len(res.Migrated)))
			for _, f := range res.Failed {
				fmt.Printf("%s %s: %v\n", red("failed"), f.Key, f.Err)
			}
			return nil
		},
	}
	migrateCmd.Flags().StringVar(&to, "to", "", "Replacement code id")
	migrateCmd.Flags().StringVar(&grader, "grader", "", "Grader recorded on the new revisions")

	cmd.AddCommand(listCmd, addCmd, rmCmd, migrateCmd)
	return cmd
}

func feedbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "feedback <student>",
		Short: "Show the feedback entries of a student",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			entries, err := a.Feedback.ListByStudent(ctx, args[0])
			if err != nil {
				return err
			}
			if len(entries) == 0 {
				fmt.Println("no feedback recorded")
				return nil
			}
			for _, e := range entries {
				fmt.Printf("%s %s %s rev %d\n",
					blue("%-16s", e.Exercise),
					violet("%s / %s", export.FormatPoints(e.TotalPoints), export.FormatPoints(e.MaxPoints)),
					e.Status, e.Revision)
				for _, c := range e.Codes {
					fmt.Printf("    %s x%d %s\n", c.CodeID, max(c.Count, 1), export.FormatPoints(c.Delta))
				}
			}
			return nil
		},
	}
}

func progressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "progress",
		Short: "Show how many exercises have been corrected",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			p, err := a.Progress(ctx)
			if err != nil {
				return err
			}
			fmt.Println(header("Corrected %d of %d (%.1f%%)", p.Corrected, p.Total, p.Percent))
			statuses := make([]string, 0, len(p.ByStatus))
			for st := range p.ByStatus {
				statuses = append(statuses, string(st))
			}
			sort.Strings(statuses)
			for _, st := range statuses {
				fmt.Printf("%s %d\n", blue("%-18s", st), p.ByStatus[feedback.Status(st)])
			}
			return nil
		},
	}
}

func exportCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "export [student...]",
		Short: "Render feedback reports and store them in the export sink",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return fmt.Errorf("name at least one student or pass --all")
			}
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			students := args
			if all {
				students, err = a.Feedback.ListStudents(ctx)
				if err != nil {
					return err
				}
			}
			log.Info().Int("students", len(students)).Msg("exporting")

			batch := a.Pipeline.RenderBatch(ctx, students)
			failed := len(batch.Failures)
			for _, res := range batch.Results {
				location, err := a.Sink.Store(ctx, res)
				if err != nil {
					fmt.Printf("%s %s: %v\n", red("failed"), res.Student, err)
					failed++
					continue
				}
				fmt.Printf("%s %s\n", green("%-24s", res.Student), location)
			}
			for _, f := range batch.Failures {
				fmt.Printf("%s %s: %v\n", red("failed"), f.Student, f.Err)
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d exports failed", failed, len(students))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "Export every student with feedback")
	return cmd
}

func marksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "marks <checksum>",
		Short: "Write summed points and status into the archive's marks spreadsheet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, ctx, err := openApp(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()
			n, err := a.WriteMarks(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(green("updated %d rows", n))
			return nil
		},
	}
}
