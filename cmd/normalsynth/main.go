// normalsynth bakes normal maps for the characters of a scene manifest and
// manages the disk cache and texture packs.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/Faultbox/normalsynth/cmd/normalsynth/commands"
	"github.com/Faultbox/normalsynth/internal/logger"
)

func main() {
	os.Exit(run(context.Background(), os.Args[1:], os.Stdout, os.Stderr))
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()
	defer logger.Sync()

	cli := commands.New()
	cli.SetArgs(args)
	cli.SetOutput(stdout, stderr)
	if err := cli.Execute(ctx); err != nil {
		_, _ = fmt.Fprintln(stderr, "Error: "+err.Error())
		return 1
	}
	return 0
}
