package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/breeze-rmm/hidlistener/internal/config"
	"github.com/breeze-rmm/hidlistener/internal/consumer"
	"github.com/breeze-rmm/hidlistener/internal/hid"
	"github.com/breeze-rmm/hidlistener/internal/ipc"
	"github.com/breeze-rmm/hidlistener/internal/platform"
)

const requestTimeout = 5 * time.Second

func dial(cfg *config.Config, name string) (*consumer.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	c := consumer.New(cfg.SocketPath, name)
	if err := c.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to engine at %s: %w", cfg.SocketPath, err)
	}
	return c, nil
}

func consume() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	closeLog, err := initLogging(cfg)
	if err != nil {
		return err
	}
	defer closeLog()

	c, err := dial(cfg, "hidlistener consume")
	if err != nil {
		return err
	}
	defer c.Close()

	for _, name := range consumeStreams {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		port, err := c.Subscribe(ctx, ipc.Stream(name))
		cancel()
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", name, err)
		}
		fmt.Fprintf(os.Stderr, "subscribed to %s on port %d\n", name, port)
	}

	printer := consumer.NewPrinter(os.Stdout, consumeFormat)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	for {
		select {
		case <-sigChan:
			return nil
		case <-c.Done():
			if err := c.Err(); err != nil {
				return fmt.Errorf("engine connection lost: %w", err)
			}
			return nil
		case ev := <-c.Events():
			if err := printer.Print(ev); err != nil {
				return err
			}
		}
	}
}

func setEnabled(enabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	c, err := dial(cfg, "hidlistener control")
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	state, err := c.SetEnabled(ctx, enabled)
	if err != nil {
		return err
	}
	if state {
		fmt.Println("Event delivery: enabled")
	} else {
		fmt.Println("Event delivery: disabled")
	}
	return nil
}

func checkStatus() error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Printf("Backend: %s\n", platform.Name)
	fmt.Printf("Input access: %s\n", trustLabel(platform.InputTrusted(false)))
	printProcesses()

	c, err := dial(cfg, "hidlistener status")
	if err != nil {
		fmt.Printf("Engine: not running (%s)\n", cfg.SocketPath)
		return nil
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	r, err := c.Status(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Engine: v%s, backend %s, input access %s\n", r.Version, r.Backend, trustLabel(r.Trusted))
	fmt.Printf("Taps installed: %t, enabled: %t\n", r.Engine.Installed, r.Engine.Enabled)
	fmt.Printf("Destinations: keyboard %d, mouse %d (%d events in flight)\n",
		r.Engine.KeyboardDestination, r.Engine.MouseDestination, r.Engine.InFlight)
	for _, row := range []struct {
		name string
		s    hid.StreamStats
	}{
		{"keyboard", r.Engine.Keyboard},
		{"media", r.Engine.Media},
		{"mouse", r.Engine.Mouse},
	} {
		fmt.Printf("  %-8s observed %d, delivered %d, unrouted %d, dropped %d, refused %d\n",
			row.name, row.s.Observed, row.s.Delivered, row.s.Unrouted, row.s.Dropped, row.s.Refused)
	}

	names := make([]string, 0, len(r.Health))
	for name := range r.Health {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Println("Health:")
	for _, name := range names {
		fmt.Printf("  %-10s %s\n", name, r.Health[name])
	}

	fmt.Printf("Consumers: %d\n", len(r.Sessions))
	for _, s := range r.Sessions {
		fmt.Printf("  %s pid %d (%s) streams %v sent %d dropped %d\n",
			s.SessionID, s.PID, s.ProcessName, s.Streams, s.Sent, s.Dropped)
	}
	return nil
}

// printProcesses lists running hidlistener processes other than this one.
func printProcesses() {
	procs, err := process.Processes()
	if err != nil {
		return
	}
	self := int32(os.Getpid())
	for _, p := range procs {
		if p.Pid == self {
			continue
		}
		name, err := p.Name()
		if err != nil || !strings.HasPrefix(strings.TrimSuffix(filepath.Base(name), ".exe"), "hidlistener") {
			continue
		}
		cmdline, _ := p.Cmdline()
		fmt.Printf("Process: pid %d %s\n", p.Pid, cmdline)
	}
}

func trustLabel(trusted bool) string {
	if trusted {
		return "granted"
	}
	return "not granted"
}
