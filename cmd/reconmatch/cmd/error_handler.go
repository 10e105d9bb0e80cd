package cmd

import (
	"fmt"
	"os"
	"strings"

	apperrors "bankrecon/pkg/errors"

	"github.com/spf13/viper"
)

// CLIErrorHandler renders errors with context, suggestions, and
// category-specific help, and maps them to process exit codes.
type CLIErrorHandler struct {
	verbose bool
}

// NewCLIErrorHandler creates a new CLI error handler
func NewCLIErrorHandler() *CLIErrorHandler {
	return &CLIErrorHandler{
		verbose: verbose || viper.GetBool("verbose"),
	}
}

// HandleError prints a user-facing rendering of err and returns the exit
// code the process should use.
func (h *CLIErrorHandler) HandleError(err error) int {
	if err == nil {
		return 0
	}

	if typed, ok := apperrors.As(err); ok {
		return h.handleTypedError(typed)
	}
	return h.handleGenericError(err)
}

func (h *CLIErrorHandler) handleTypedError(err *apperrors.Error) int {
	fmt.Fprintf(os.Stderr, "Error: %s\n", err.Message)

	if len(err.Context) > 0 {
		fmt.Fprintf(os.Stderr, "\nContext:\n")
		for key, value := range err.Context {
			fmt.Fprintf(os.Stderr, "  %s: %v\n", key, value)
		}
	}

	if err.Suggestion != "" {
		fmt.Fprintf(os.Stderr, "\nSuggestion: %s\n", err.Suggestion)
	}

	if help := categoryHelp(err.Category); help != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", help)
	}

	if h.verbose && err.Cause != nil {
		fmt.Fprintf(os.Stderr, "\nUnderlying error: %v\n", err.Cause)
	}

	return err.GetExitCode()
}

func (h *CLIErrorHandler) handleGenericError(err error) int {
	if os.IsNotExist(err) || strings.Contains(err.Error(), "no such file") {
		fmt.Fprintf(os.Stderr, "Error: file not found\n")
		fmt.Fprintf(os.Stderr, "Suggestion: check the file path and try again\n")
		return 2
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	if !h.verbose {
		fmt.Fprintf(os.Stderr, "Run with --verbose for more detail\n")
	}
	return 1
}

func categoryHelp(category apperrors.Category) string {
	switch category {
	case apperrors.CategoryScope:
		return `Scope error help:
- Matching runs cover exactly one company and one currency
- Split the input files per company and per currency
- Check the company id passed with --company`

	case apperrors.CategoryConfig:
		return `Configuration error help:
- Check your command-line flags and arguments
- Verify configuration file syntax if using --config
- Use 'reconmatch match --help' to see all available options
- Try running with the default profile first`

	case apperrors.CategoryMatching:
		return `Matching error help:
- A truncated run still returns the proposals found so far
- Increase --max-runtime or lower --max-group-size
- Narrow the date range of the input files`

	case apperrors.CategoryApply, apperrors.CategoryStorage:
		return `Storage error help:
- Check that the database file is writable
- Close other processes holding the database
- Skipped proposals can be re-applied on the next run`
	}
	return ""
}
