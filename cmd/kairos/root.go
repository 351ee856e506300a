package main

import (
	"io"

	"github.com/spf13/cobra"
)

// newRootCmd builds the command tree. Output goes to out and errOut so tests
// can capture it.
func newRootCmd(out, errOut io.Writer) *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "kairos",
		Short: "Run DAG workflows of AI and shell tasks",
		Long: `kairos runs workflows declared in .kairos/workflows over tasks declared in
.kairos/tasks. Job state is persisted after every transition, so failed or
interrupted jobs can be inspected and retried later.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)
	root.PersistentFlags().StringVarP(&opts.projectDir, "project", "C", "", "Project directory (defaults to the working directory)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "Mirror log lines to stderr")

	root.AddCommand(
		newInitCmd(opts),
		newValidateCmd(opts),
		newRunCmd(opts),
		newRetryCmd(opts),
		newStepsCmd(opts),
		newJobsCmd(opts),
		newServeCmd(opts),
	)
	return root
}
