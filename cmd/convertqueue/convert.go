// Copyright (c) 2026 Kevin Zang (kevinzang). All rights reserved.
// Use of this source code is governed by the MIT License.
//
// ConvertQueue - FFmpeg 视频转换队列工具

package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/ZSC714725/convertqueue/internal/events"
	"github.com/ZSC714725/convertqueue/internal/queue"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var outputDir string

	cmd := &cobra.Command{
		Use:   "convert FILE...",
		Short: "Convert files in order and wait until all are done",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			if outputDir != "" {
				cfg.Output.Dir = outputDir
			}
			if err := cfg.EnsureDirectories(); err != nil {
				return err
			}

			out := cmd.ErrOrStderr()
			progress := newProgressPrinter(out, isTerminal(out))

			log := ctx.logger("convertqueue")
			e, err := newEngine(cfg, log, progress)
			if err != nil {
				return err
			}
			defer e.Close()

			sigCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			queued := 0
			for _, arg := range args {
				path, err := filepath.Abs(arg)
				if err != nil {
					return err
				}
				if _, err := e.queue.Enqueue(path); err != nil {
					log.Warn("skipping %s: %v", arg, err)
					continue
				}
				queued++
			}
			if queued == 0 {
				return errors.New("no files to convert")
			}

			ticker := time.NewTicker(200 * time.Millisecond)
			defer ticker.Stop()

		wait:
			for {
				select {
				case <-sigCtx.Done():
					e.queue.CancelCurrent()
					break wait
				case <-ticker.C:
					if drained(e.queue.Jobs()) {
						break wait
					}
				}
			}
			progress.finish()

			jobs := e.queue.Jobs()
			fmt.Fprintln(cmd.OutOrStdout(), renderJobs(jobs))

			if err := sigCtx.Err(); err != nil {
				return err
			}
			if failed := countStatus(jobs, queue.StatusFailed); failed > 0 {
				return fmt.Errorf("%d of %d conversions failed", failed, len(jobs))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output", "o", "", "Output directory (overrides config)")
	return cmd
}

func drained(jobs []queue.Job) bool {
	for _, job := range jobs {
		if job.Status.Active() {
			return false
		}
	}
	return true
}

func countStatus(jobs []queue.Job, status queue.Status) int {
	n := 0
	for _, job := range jobs {
		if job.Status == status {
			n++
		}
	}
	return n
}

func renderJobs(jobs []queue.Job) string {
	rows := make([][]string, 0, len(jobs))
	for _, job := range jobs {
		rows = append(rows, []string{
			filepath.Base(job.SourcePath),
			string(job.Status),
			job.DestinationPath,
			job.Error,
		})
	}
	return renderTable(
		[]string{"File", "Status", "Output", "Error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// progressPrinter renders queue events on a terminal. It must not call
// back into the queue since events are delivered under its lock.
type progressPrinter struct {
	out  io.Writer
	tty  bool
	lock sync.Mutex

	total int
	done  int
	line  bool
}

func newProgressPrinter(out io.Writer, tty bool) *progressPrinter {
	return &progressPrinter{out: out, tty: tty}
}

func (p *progressPrinter) Handle(e events.Event) {
	p.lock.Lock()
	defer p.lock.Unlock()

	name := filepath.Base(e.SourcePath)

	switch e.Type {
	case events.TypeQueued:
		p.total++
	case events.TypeRemoved:
		if p.total > 0 {
			p.total--
		}
	case events.TypeStarted:
		if !p.tty {
			fmt.Fprintf(p.out, "%d/%d - %s - started\n", p.done+1, p.total, name)
		}
	case events.TypeProgress:
		if p.tty {
			fmt.Fprintf(p.out, "\r\033[K%d/%d - %s - %02d%% - ETA %s min", p.done+1, p.total, name, int(e.Percent), e.ETAText)
			p.line = true
		}
	case events.TypeCompleted, events.TypeFailed, events.TypeCancelled:
		p.done++
		p.clearLine()
		msg := string(e.Type)
		if e.Error != "" {
			msg += ": " + e.Error
		}
		fmt.Fprintf(p.out, "%d/%d - %s - %s\n", p.done, p.total, name, msg)
	}
}

func (p *progressPrinter) finish() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.clearLine()
}

func (p *progressPrinter) clearLine() {
	if p.line {
		fmt.Fprint(p.out, "\r\033[K")
		p.line = false
	}
}
