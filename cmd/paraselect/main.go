// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// paraselect preprocesses a question answering corpus and trains a paragraph selection model on it.
//
// Commands:
//
//	paraselect preprocess --corpus=<dir> --cache=<file> [--hold-out=0,5000]
//	paraselect train --cache=<file> --run=<dir> [--params=params.yaml] [--set="batch_size=32"] [--resume] [--progress]
//	paraselect plot --run=<dir> [--out=curves.png] [--metric=loss]
//	paraselect checkpoints --run=<dir>
//
// The klog flags (e.g. -v=1) are accepted by all commands.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"
)

func main() {
	// Interrupting stops the training between two steps, without writing a checkpoint.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	err := rootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		klog.Errorf("%v", err)
		klog.Flush()
		os.Exit(1)
	}
	klog.Flush()
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "paraselect",
		Short:        "preprocess a corpus and train a paragraph selection model",
		SilenceUsage: true,
	}
	klogFlags := flag.NewFlagSet("klog", flag.ExitOnError)
	klog.InitFlags(klogFlags)
	root.PersistentFlags().AddGoFlagSet(klogFlags)
	root.AddCommand(preprocessCmd(), trainCmd(), plotCmd(), checkpointsCmd())
	return root
}
