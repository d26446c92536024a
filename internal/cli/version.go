package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/cruciblehq/pipelined/internal"
)

// Represents the 'pipelined version' command.
type VersionCmd struct {
	JSON bool `help:"Print build metadata as JSON."`
}

// Executes the version command.
func (c *VersionCmd) Run(ctx context.Context) error {
	return printVersion(os.Stdout, c.JSON)
}

func printVersion(w io.Writer, asJSON bool) error {
	info := internal.Build()
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	_, err := fmt.Fprintf(w, "%s %s (commit %s, %s, %s)\n", info.Name, internal.VersionString(), info.Commit, info.GoVersion, info.Arch)
	return err
}
