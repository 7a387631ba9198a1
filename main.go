package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "go.uber.org/automaxprocs"

	"hpsweep/internal/cli"
	"hpsweep/internal/ctxlog"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Stderr, os.Args[1:])
	stop()

	if err != nil {
		code := 1
		var exitErr *cli.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.Code
		}
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(code)
	}
}

// run 解析参数并执行 sweep 或 serve。日志和帮助信息写到 out。
func run(ctx context.Context, out io.Writer, args []string) error {
	opts, exit, err := cli.Parse(args, out)
	if err != nil {
		return err
	}
	if exit {
		return nil
	}

	logger := ctxlog.New(out, opts.LogFormat, opts.LogLevel)
	slog.SetDefault(logger)
	ctx = ctxlog.WithLogger(ctx, logger)

	if opts.Mode == cli.ModeServe {
		return runServe(ctx, opts)
	}
	return runSweep(ctx, opts, time.Now())
}
