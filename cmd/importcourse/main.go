package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/yungbote/xblockcore/internal/app"
	"github.com/yungbote/xblockcore/internal/temporalx/coursejobs"
)

func main() {
	var req coursejobs.ImportRequest
	var keep int
	flag.StringVar(&req.Dir, "dir", "", "course directory holding course.xml (required)")
	flag.StringVar(&req.Org, "org", "", "override the org from course.xml")
	flag.StringVar(&req.Course, "course", "", "override the course from course.xml")
	flag.StringVar(&req.Run, "run", "", "override the run from course.xml")
	flag.StringVar(&req.User, "user", "importcourse", "user recorded as the author of the import")
	flag.BoolVar(&req.Publish, "publish", false, "publish the course after importing")
	flag.IntVar(&keep, "prune-keep", 0, "after importing, keep only this many old revisions per block (0 keeps all)")
	flag.Parse()

	if strings.TrimSpace(req.Dir) == "" {
		fmt.Fprintln(os.Stderr, "importcourse: -dir is required")
		flag.Usage()
		os.Exit(2)
	}

	a, err := app.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "init app: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := run(ctx, a, req, keep)
	stop()
	a.Close()
	os.Exit(code)
}

func run(ctx context.Context, a *app.App, req coursejobs.ImportRequest, keep int) int {
	res, err := a.Services.Jobs.ImportCourse(ctx, req)
	if err != nil {
		a.Log.Error("Import failed", "dir", req.Dir, "error", err)
		fmt.Fprintf(os.Stderr, "import: %v\n", err)
		return 1
	}
	a.Log.Info("Import finished",
		"course", res.Course,
		"blocks", res.Blocks,
		"assets", res.Assets,
		"version", res.Version,
		"unknown_types", res.UnknownTypes,
	)
	if keep > 0 {
		pruned, err := a.Services.Jobs.PruneHistory(ctx, coursejobs.PruneRequest{Course: res.Course, Keep: keep})
		if err != nil {
			fmt.Fprintf(os.Stderr, "prune: %v\n", err)
			return 1
		}
		a.Log.Info("History pruned", "course", pruned.Course, "removed", pruned.Removed)
	}
	fmt.Println(res.Course)
	return 0
}
