package handlers

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/camforge/camforge/internal/device"
	"github.com/camforge/camforge/internal/device/license"
	"github.com/camforge/camforge/internal/device/protocol"
	"github.com/camforge/camforge/internal/device/scan"
)

// newScanner builds the network scanner - replaced in tests.
var newScanner = func(opts scan.Options) (fleetScanner, error) {
	return scan.New(opts)
}

// fleetScanner is the slice of the scanner the handler uses.
type fleetScanner interface {
	Scan(ctx context.Context, ranges []string, onEvent func(scan.Event)) ([]device.Target, error)
}

// ScanOptions carries the scan command's flags and arguments.
type ScanOptions struct {
	ConfigPath string
	Ranges     []string
	Port       int
	Username   string
	Timeout    time.Duration
}

// Scan probes network ranges for cameras and prints what was found.
// Nothing is provisioned and nothing is persisted.
//
// Explicit ranges on the command line work without a configuration
// file; otherwise the file supplies ranges, port, and login.
func Scan(ctx context.Context, opts ScanOptions) error {
	ranges := opts.Ranges
	username := opts.Username
	password := os.Getenv("CAMFORGE_DEVICE_PASSWORD")
	port := opts.Port

	cfg, cfgErr := loadConfig(opts.ConfigPath)
	if cfgErr != nil && (opts.ConfigPath != "" || len(ranges) == 0) {
		return cfgErr
	}
	if cfg != nil {
		if len(ranges) == 0 {
			ranges = cfg.ScanRanges
		}
		if username == "" {
			username = cfg.DeviceCredentials.Username
		}
		if password == "" {
			password = cfg.DeviceCredentials.Password
		}
		if port == 0 {
			port = cfg.DevicePort
		}
	}
	if len(ranges) == 0 {
		return fmt.Errorf("nothing to scan: pass ranges as arguments or set scan_ranges in the configuration")
	}

	timeouts := loadTimeouts()
	budget := opts.Timeout
	if budget == 0 {
		budget = timeouts.ScanBudget
	}

	scanner, err := newScanner(scan.Options{
		Port:         port,
		Credentials:  protocol.Credentials{Username: username, Password: password},
		ProbeTimeout: timeouts.ProbeTimeout,
		Budget:       budget,
	})
	if err != nil {
		return err
	}

	log.Printf("Scanning %s", strings.Join(ranges, ", "))
	start := time.Now()
	var total, skipped int
	targets, err := scanner.Scan(ctx, ranges, func(ev scan.Event) {
		switch ev.Type {
		case scan.EventTotal:
			total = ev.Total
			log.Printf("probing %d addresses", ev.Total)
		case scan.EventFound:
			log.Printf("  %s: device found", ev.Address)
		case scan.EventNotScanned:
			skipped++
		}
	})
	if err != nil {
		return err
	}

	elapsed := time.Since(start).Round(time.Second)
	fmt.Println()
	if len(targets) == 0 {
		fmt.Printf("No devices found (%d addresses, %s).\n", total, elapsed)
	} else {
		fmt.Printf("%d device(s) found in %s:\n\n", len(targets), elapsed)
		for _, t := range targets {
			fmt.Printf("  %s\n", t.Address())
		}
	}
	if skipped > 0 {
		fmt.Printf("\n%d address(es) were not probed before the scan budget ran out; raise --timeout to cover them.\n", skipped)
	}
	return nil
}

// ValidateKey checks a license key offline, applying the same rules the
// deploy applies before a key may reach a device.
func ValidateKey(key string) error {
	if err := license.Validate(key); err != nil {
		return err
	}
	fmt.Printf("License key %s is acceptable.\n", license.Mask(key))
	return nil
}
