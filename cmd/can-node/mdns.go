package main

import (
	"context"
	"fmt"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/lorenzodimauro97/klipper/internal/canbus"
)

// startMDNS advertises the node's metrics endpoint so host-side tooling can
// find nodes without probing the bus. Safe to call when disabled (no-op).
const mdnsServiceType = "_can-node._tcp"

func startMDNS(ctx context.Context, cfg *appConfig, uuid [canbus.UUIDLen]byte, port int) (func(), error) {
	if !cfg.mdnsEnable {
		return func() {}, nil
	}
	uuidHex := fmt.Sprintf("%x", uuid)
	instance := cfg.mdnsName
	if instance == "" {
		instance = "can-node-" + uuidHex
	}
	meta := []string{
		"uuid=" + uuidHex,
		"backend=" + cfg.backend,
		fmt.Sprintf("rxwindow=%d", canbus.ReceiveWindow),
		"version=" + version,
		"commit=" + commit,
	}
	svc, err := zeroconf.Register(instance, mdnsServiceType, "local.", port, meta, nil)
	if err != nil {
		return nil, fmt.Errorf("mdns register: %w", err)
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		svc.Shutdown()
	}()
	return func() { close(done); svc.Shutdown(); time.Sleep(50 * time.Millisecond) }, nil
}
