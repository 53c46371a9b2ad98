// Command flux sends and receives password-protected, compressed files
// between hosts on a direct TCP connection.
//
// Usage:
//
//	flux send -to HOST[:PORT] -file PATH [-password SECRET]
//	flux recv [-dir DIR] [-password SECRET]
//	flux ip
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/flux/config"
	"github.com/opd-ai/flux/registry"
	"github.com/opd-ai/flux/transfer"
)

const (
	exitOK      = 0
	exitRuntime = 1
	exitUsage   = 2
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) < 1 {
		usage()
		return exitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "flux: %v\n", err)
		return exitUsage
	}
	logrus.SetLevel(cfg.Level())
	logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	switch args[0] {
	case "send":
		return runSend(cfg, args[1:])
	case "recv":
		return runRecv(cfg, args[1:])
	case "ip":
		fmt.Println(transfer.LocalIP())
		return exitOK
	default:
		usage()
		return exitUsage
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: flux send -to HOST[:PORT] -file PATH [-password SECRET]")
	fmt.Fprintln(os.Stderr, "       flux recv [-dir DIR] [-password SECRET]")
	fmt.Fprintln(os.Stderr, "       flux ip")
}

// progressPrinter is the notification sink for the CLI: one line per update.
func progressPrinter(transferID string, progress int, message string) {
	fmt.Print(progressLine(transferID, progress, message))
}

// progressLine abbreviates the transfer id to its leading UUID segment. Ids
// shorter than that are printed whole.
func progressLine(transferID string, progress int, message string) string {
	short := transferID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("[%s] %3d%% %s\n", short, progress, message)
}

func runSend(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("send", flag.ExitOnError)
	target := fs.String("to", "", "receiver host or host:port")
	file := fs.String("file", "", "file to send")
	password := fs.String("password", cfg.Password, "shared transfer password")
	fs.Parse(args)

	if *target == "" || *file == "" {
		fs.Usage()
		return exitUsage
	}

	reg := registry.NewRegistry(cfg.CodeTTL)
	engine := transfer.NewEngine(transfer.Config{
		Port:        cfg.Port,
		ChunkSize:   cfg.ChunkSize,
		IOTimeout:   cfg.IOTimeout,
		DialTimeout: cfg.DialTimeout,
	}, reg, progressPrinter)
	defer engine.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	id, err := engine.Send(ctx, *target, *file, *password)
	if err != nil {
		logrus.WithError(err).Error("Send failed to start")
		return exitRuntime
	}

	rec, _ := reg.Get(id)
	logrus.WithFields(logrus.Fields{
		"transfer_id": id,
		"code":        rec.Code,
		"target":      *target,
	}).Info("Transfer started")

	for {
		select {
		case <-ctx.Done():
			engine.Cancel(id)
			// Give the engine a moment to record the cancellation.
			time.Sleep(200 * time.Millisecond)
			return exitRuntime
		case <-time.After(200 * time.Millisecond):
		}

		rec, ok := reg.Get(id)
		if !ok {
			continue
		}
		switch rec.Status {
		case registry.StatusCompleted:
			return exitOK
		case registry.StatusFailed, registry.StatusCancelled:
			return exitRuntime
		}
	}
}

func runRecv(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("recv", flag.ExitOnError)
	dir := fs.String("dir", cfg.SaveDir, "directory for received files")
	password := fs.String("password", cfg.Password, "shared transfer password")
	fs.Parse(args)

	reg := registry.NewRegistry(cfg.CodeTTL)
	engine := transfer.NewEngine(transfer.Config{
		Port:       cfg.Port,
		SaveDir:    *dir,
		Password:   *password,
		ChunkSize:  cfg.ChunkSize,
		MaxInbound: cfg.MaxInbound,
		IOTimeout:  cfg.IOTimeout,
	}, reg, progressPrinter)
	defer engine.Close()

	if err := engine.Listen(); err != nil {
		logrus.WithError(err).Error("Could not start listener")
		return exitRuntime
	}

	logrus.WithFields(logrus.Fields{
		"port":     cfg.Port,
		"save_dir": *dir,
		"local_ip": transfer.LocalIP(),
	}).Info("Waiting for inbound transfers")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	logrus.Info("Shutting down")
	return exitOK
}
