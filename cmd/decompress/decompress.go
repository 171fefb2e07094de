package decompress

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sidkik/bupper/cmd/util"
	"github.com/sidkik/bupper/pkg/compress"
	"github.com/sidkik/bupper/pkg/errors"
	"github.com/sidkik/bupper/pkg/sync"
)

// Mocked for unit testing.
var (
	stdout         io.Writer = os.Stdout
	decompressFile           = compress.DecompressFile
)

// New creates a new `decompress` command.
func New() *cobra.Command {
	return &cobra.Command{
		Use:   "decompress ARTIFACT [DESTINATION]",
		Short: "Decompress a file that was uploaded by bupper",
		Long: "Decompress a file that was uploaded by bupper. The artifact must " +
			"be copied from the target first.\n" +
			"The destination defaults to the artifact path without the .gz suffix.",
		Args: cobra.RangeArgs(1, 2),
		Run: func(_ *cobra.Command, args []string) {
			if err := run(args); err != nil {
				util.HandleFatalError(err)
			}
		},
	}
}

func run(args []string) error {
	src := args[0]
	var dst string
	if len(args) == 2 {
		dst = args[1]
	} else {
		if !strings.HasSuffix(src, sync.CompressedSuffix) {
			return errors.NewFriendlyError("Please specify a destination. "+
				"It can't be guessed because %q doesn't end with %s.", src, sync.CompressedSuffix)
		}
		dst = strings.TrimSuffix(src, sync.CompressedSuffix)
	}

	if err := decompressFile(src, dst); err != nil {
		return errors.WithContext(err, fmt.Sprintf("decompress %s", src))
	}
	fmt.Fprintf(stdout, "Decompressed %s to %s\n", src, dst)
	return nil
}
