// Command stepcore-send talks to a stepcore controller over a serial port.
// It streams a G-code file with -file, or opens an interactive console.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"

	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"

	"stepcore/host/mcu"
	"stepcore/host/serial"
)

func main() {
	var (
		device      = flag.String("device", "/dev/ttyACM0", "serial device path")
		baud        = flag.Int("baud", serial.DefaultBaud, "baud rate (ignored for USB CDC)")
		file        = flag.String("file", "", "G-code file to stream")
		stopOnError = flag.Bool("stop-on-error", true, "stop streaming at the first error")
		list        = flag.Bool("list", false, "list serial devices and exit")
		verbose     = flag.Bool("verbose", false, "enable verbose output")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *list {
		ports, err := serial.ListPorts()
		if err != nil {
			log.Fatalf("could not list serial ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	cfg := serial.DefaultConfig(*device)
	cfg.Baud = *baud
	conn, err := mcu.Connect(cfg, log)
	if err != nil {
		log.Fatalf("could not connect to %s: %v", *device, err)
	}
	defer conn.Close()

	info, err := conn.Identify(ctx)
	if err != nil {
		log.Fatalf("could not identify controller: %v", err)
	}
	log.WithField("device", *device).Infof("connected: %s", strings.Join(info, " "))

	if *file != "" {
		err = stream(ctx, conn, *file, *stopOnError, log)
	} else {
		err = interactive(ctx, conn)
	}
	if err != nil {
		log.Fatalf("%v", err)
	}
}

func stream(ctx context.Context, conn *mcu.MCU, name string, stopOnError bool, log *logrus.Logger) error {
	f, err := os.Open(name)
	if err != nil {
		return fmt.Errorf("could not open %q: %w", name, err)
	}
	defer f.Close()

	var sent, failed int
	err = conn.Stream(ctx, f, stopOnError, func(line string, reply mcu.Reply) {
		sent++
		for _, msg := range reply.Messages {
			log.Info(msg)
		}
		if !reply.OK() {
			failed++
			log.WithField("line", line).Warn(reply.Status)
		}
	})
	if errors.Is(err, context.Canceled) {
		// Interrupted: stop the machine before leaving
		if rerr := conn.Reset(); rerr != nil {
			log.WithError(rerr).Warn("could not reset controller")
		}
	}
	if err != nil {
		return fmt.Errorf("streaming %q: %w", name, err)
	}

	status, err := conn.Status(ctx)
	if err != nil {
		return err
	}
	log.WithFields(logrus.Fields{"lines": sent, "errors": failed}).Infof("done %s", status)
	return nil
}

func interactive(ctx context.Context, conn *mcu.MCU) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("type ? for status, 'reset' to reset, ctrl-d to quit")
	for {
		input, err := line.Prompt("> ")
		switch {
		case errors.Is(err, liner.ErrPromptAborted), errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return fmt.Errorf("could not read input: %w", err)
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch input {
		case "?":
			status, err := conn.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Println(status)
			continue
		case "reset":
			if err := conn.Reset(); err != nil {
				return err
			}
			continue
		}

		reply, err := conn.Send(ctx, input)
		if err != nil {
			return err
		}
		for _, msg := range reply.Messages {
			fmt.Println(msg)
		}
		fmt.Println(reply.Status)
	}
}
