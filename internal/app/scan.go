// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package app

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/relabs-tech/insole_scanner/internal/config"
	"github.com/relabs-tech/insole_scanner/internal/controller"
	"github.com/relabs-tech/insole_scanner/internal/session"
)

// RunScan performs one headless scan with the configured camera and prints
// every step. A stored, unexpired scan is printed instead.
func RunScan() error {
	cfg := config.Get()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if cfg.CaptureTimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ms(cfg.CaptureTimeoutMs))
		defer cancel()
	}

	sc, err := newScanner(cfg, cfg.MQTTClientIDScan)
	if err != nil {
		return err
	}
	defer sc.close()

	if sc.ctl.Restore(ctx) {
		printView(os.Stdout, sc.ctl.Snapshot())
		return nil
	}
	go sc.ctl.Run(ctx)
	return scanOnce(ctx, sc.ctl, os.Stdout)
}

// scanOnce opens the camera and prints views until the scan settles.
func scanOnce(ctx context.Context, ctl *controller.Controller, out io.Writer) error {
	views, unsubscribe := ctl.Subscribe()
	defer unsubscribe()

	if err := ctl.SelectOrCapture(ctx); err != nil {
		return err
	}

	var last controller.State
	bucket := -1
	for {
		select {
		case <-ctx.Done():
			ctl.CloseCapture()
			ctl.Wait()
			return fmt.Errorf("scan: %w", ctx.Err())

		case v := <-views:
			b := int(v.Progress.Percent) / 10
			if v.State != last || b != bucket {
				fmt.Fprintf(out, "[SCAN] state=%-11s progress=%5.1f%%\n", v.State, v.Progress.Percent)
				last, bucket = v.State, b
			}
			switch v.State {
			case controller.Result:
				ctl.Watcher().Validate(ctx, session.TriggerManual)
				printView(out, ctl.Snapshot())
				return nil
			case controller.Discarded:
				printView(out, v)
				return nil
			case controller.Failed:
				return fmt.Errorf("scan failed: %s", v.Message)
			}
		}
	}
}

func printView(out io.Writer, v controller.View) {
	if v.Outcome == nil {
		fmt.Fprintf(out, "[DISCARDED] %s\n", v.Message)
		return
	}
	o := v.Outcome
	conf := "-"
	if o.Confidence != nil {
		conf = fmt.Sprintf("%.0f%%", *o.Confidence*100)
	}
	fmt.Fprintf(out,
		"[RESULT] zones=%s side=%s trend=%s confidence=%s recommendation=%s expires_in=%s\n",
		strings.Join(o.Zones, ","), orDash(o.Side), orDash(o.Trend), conf, orDash(v.Recommendation), orDash(v.Countdown),
	)
	log.Printf("scan: %q", o.Text)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
