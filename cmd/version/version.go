package version

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/sidkik/bupper/pkg/version"
)

// Mocked for unit testing.
var stdout io.Writer = os.Stdout

// New creates a new `version` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version of bupper.",
		Long:  "Print the version of bupper, as a git commit hash.",
		Run: func(_ *cobra.Command, _ []string) {
			run()
		},
	}
}

func run() {
	if !version.Released() {
		fmt.Fprintf(stdout, "version: %s (development build)\n", version.Version)
		return
	}
	fmt.Fprintf(stdout, "version: %s\n", version.Version)
}
