// Command stepcore-sim runs the controller against a simulated machine,
// either on an interactive console or on a serial device.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/peterh/liner"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"stepcore/core"
	"stepcore/host/console"
	"stepcore/host/mcu"
	"stepcore/host/serial"
	"stepcore/host/sim"
	"stepcore/standalone"
	"stepcore/standalone/config"
	"stepcore/standalone/controller"
)

func main() {
	var (
		cfgFile  = flag.String("config", "", "machine configuration file (YAML)")
		preset   = flag.String("preset", "cartesian", "built-in machine: cartesian, corexy or midtbot")
		device   = flag.String("device", "", "serve the console on this serial device instead of the terminal")
		baud     = flag.Int("baud", serial.DefaultBaud, "baud rate of -device")
		list     = flag.Bool("list", false, "list serial devices and exit")
		logLevel = flag.String("log-level", "info", "log level")
		paced    = flag.Bool("paced", true, "run the step timer in real time")
	)
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	level, err := logrus.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("invalid log level %q: %v", *logLevel, err)
	}
	log.SetLevel(level)

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

	cfg, err := loadConfig(*cfgFile, *preset)
	if err != nil {
		log.Fatalf("could not load configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, cfg, *device, *baud, *paced, log); err != nil {
		log.Fatalf("%v", err)
	}
}

func loadConfig(file, preset string) (*standalone.MachineConfig, error) {
	if file != "" {
		return config.LoadFile(file)
	}
	switch preset {
	case "cartesian":
		return config.DefaultCartesianConfig(), nil
	case "corexy":
		return config.DefaultCoreXYConfig(), nil
	case "midtbot":
		return config.DefaultMidTbotConfig(), nil
	}
	return nil, fmt.Errorf("unknown preset %q", preset)
}

func run(ctx context.Context, cfg *standalone.MachineConfig, device string, baud int, paced bool, log *logrus.Logger) error {
	gpio := core.NewMemGPIO()
	world, err := sim.NewWorld(cfg, gpio)
	if err != nil {
		return fmt.Errorf("could not create simulated machine: %w", err)
	}
	timer := core.NewHostPulseTimer(cfg.Stepping.TimerHz, paced)
	defer timer.Close()

	m, err := controller.NewManager(cfg, world, timer, gpio, log)
	if err != nil {
		return fmt.Errorf("could not create controller: %w", err)
	}
	world.Update()
	m.Start()
	defer m.Stop()

	if device != "" {
		port, err := serial.Open(&serial.Config{Device: device, Baud: baud, ReadTimeout: 0})
		if err != nil {
			return err
		}
		log.WithField("device", device).Info("serving console")
		go func() {
			<-ctx.Done()
			port.Close()
		}()
		return console.Serve(ctx, m, port)
	}

	return interactive(ctx, m, log)
}

// interactive connects a line editor to the controller through an
// in-memory pipe, so the terminal sees the same replies as a serial host
func interactive(ctx context.Context, m *controller.Manager, log *logrus.Logger) error {
	client, server := net.Pipe()
	grp, ctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		return console.Serve(ctx, m, server)
	})

	conn := mcu.NewMCU(client, log)
	for _, l := range waitBanner(conn) {
		fmt.Println(l)
	}

	grp.Go(func() error {
		defer conn.Close()
		return prompt(ctx, conn)
	})
	err := grp.Wait()
	server.Close()
	return err
}

func waitBanner(conn *mcu.MCU) []string {
	time.Sleep(2 * console.FlushInterval)
	return conn.Drain()
}

func prompt(ctx context.Context, conn *mcu.MCU) error {
	line := liner.NewLiner()
	defer line.Close()
	line.SetCtrlCAborts(true)

	fmt.Println("type ? for status, ctrl-x or 'reset' to reset, ctrl-d to quit")
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
		case "reset", "\x18":
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
