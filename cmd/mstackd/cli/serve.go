// Copyright 2024 The mstack Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/gofrs/flock"
	"github.com/google/subcommands"
	"github.com/mohae/deepcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"github.com/talismancer/mstack/pkg/config"
	"github.com/talismancer/mstack/pkg/link/device"
	"github.com/talismancer/mstack/pkg/stack"
	"github.com/talismancer/mstack/pkg/stack/routetable"
	"github.com/talismancer/mstack/pkg/tcpip"

	"github.com/talismancer/mstack/cmd/mstackd/netsetup"
)

// Serve implements subcommands.Command for the "serve" command: it
// brings up a Namespace, attaches its configured device, installs
// addresses and routes, and runs until signaled.
type Serve struct {
	configPath string
}

// Name implements subcommands.Command.Name.
func (*Serve) Name() string { return "serve" }

// Synopsis implements subcommands.Command.Synopsis.
func (*Serve) Synopsis() string { return "run the mstackd userspace network stack" }

// Usage implements subcommands.Command.Usage.
func (*Serve) Usage() string {
	return "serve -config <path> - run the mstackd userspace network stack\n"
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Serve) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.configPath, "config", "/etc/mstackd.toml", "path to mstackd's TOML config file")
}

// Execute implements subcommands.Command.Execute.
func (s *Serve) Execute(ctx context.Context, _ *flag.FlagSet, _ ...any) subcommands.ExitStatus {
	cfg, err := config.Load(s.configPath)
	if err != nil {
		fatalf("serve: %v", err)
	}

	log := newLogger(cfg.LogLevel)

	if cfg.PidFile != "" {
		lock := flock.New(cfg.PidFile)
		locked, err := lock.TryLock()
		if err != nil {
			fatalf("serve: acquire pidfile lock %s: %v", cfg.PidFile, err)
		}
		if !locked {
			fatalf("serve: pidfile %s already locked, another instance running?", cfg.PidFile)
		}
		defer lock.Unlock()
	}

	ns := stack.New(log)

	kind := device.KindTAP
	if cfg.Device.Kind == "tun" {
		kind = device.KindTUN
	}
	var dev *device.Device
	err = backoffRetry(newAttachBackoff(), func() error {
		var attachErr error
		dev, attachErr = ns.AttachDevice(device.Config{
			Path:   cfg.Device.Path,
			IfName: cfg.Device.IfName,
			Kind:   kind,
			MTU:    cfg.Device.MTU,
			Log:    log,
		})
		return attachErr
	})
	if err != nil {
		fatalf("serve: attach device: %v", err)
	}

	if err := netsetup.SetMTU(dev.Name, cfg.Device.MTU); err != nil {
		log.WithError(err).Warn("serve: set host MTU failed")
	}
	if err := netsetup.BringUp(dev.Name); err != nil {
		log.WithError(err).Warn("serve: bring host interface up failed")
	}

	for _, a := range cfg.Address {
		addr, mac, err := parseAddress(a)
		if err != nil {
			fatalf("serve: %v", err)
		}
		ns.BindAddress(addr, mac)
	}

	for _, r := range cfg.Route {
		dst, err := parseIP(r.Destination)
		if err != nil {
			fatalf("serve: route destination: %v", err)
		}
		nextHop, err := parseIP(r.NextHop)
		if err != nil {
			fatalf("serve: route next hop: %v", err)
		}
		ns.Routes().AddRoute(routeOf(dst, r.PrefixLen, nextHop, dev))
		dstBytes := make(net.IP, 4)
		dst.PutBytes(dstBytes)
		if err := netsetup.AddHostRoute(dev.Name, dstBytes, r.PrefixLen); err != nil {
			log.WithError(err).Warn("serve: install host route failed")
		}
	}
	if cfg.DefaultGateway != "" {
		gw, err := parseIP(cfg.DefaultGateway)
		if err != nil {
			fatalf("serve: default gateway: %v", err)
		}
		ns.Routes().SetDefault(gw, dev)
	}

	if cfg.MetricsAddr != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(ns.Metrics())
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{})}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("serve: metrics server failed")
			}
		}()
	}

	installDumpHandler(ns, log)

	runCtx, cancel := signal.NotifyContext(ctx, unix.SIGINT, unix.SIGTERM)
	defer cancel()

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		log.WithError(err).Debug("serve: sd_notify READY failed")
	} else if ok {
		log.Debug("serve: notified systemd readiness")
	}

	log.WithField("device", dev.Name).Info("serve: namespace running")
	err = ns.Run(runCtx)

	daemon.SdNotify(false, daemon.SdNotifyStopping)
	if err != nil {
		log.WithError(err).Error("serve: namespace run exited with error")
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func newLogger(level string) *logrus.Entry {
	l := logrus.New()
	if lvl, err := logrus.ParseLevel(level); err == nil {
		l.SetLevel(lvl)
	}
	return logrus.NewEntry(l)
}

// newAttachBackoff retries device attachment a handful of times with a
// fixed delay, for the common case of the daemon starting slightly
// ahead of the host creating its TAP device.
func newAttachBackoff() backoff.BackOff {
	return backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 10)
}

func backoffRetry(b backoff.BackOff, op func() error) error {
	return backoff.Retry(op, b)
}

func parseIP(s string) (tcpip.Address, error) {
	ip := net.ParseIP(s)
	if ip == nil {
		return 0, fmt.Errorf("invalid IPv4 address %q", s)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return 0, fmt.Errorf("not an IPv4 address: %q", s)
	}
	return tcpip.AddressFromBytes(ip4), nil
}

func parseMAC(s string) (tcpip.LinkAddress, error) {
	mac, err := net.ParseMAC(s)
	if err != nil {
		return tcpip.LinkAddress{}, fmt.Errorf("invalid MAC %q: %w", s, err)
	}
	return tcpip.LinkAddressFromBytes(mac), nil
}

func routeOf(dst tcpip.Address, prefixLen int, nextHop tcpip.Address, dev *device.Device) routetable.Route {
	return routetable.Route{
		Destination: dst,
		PrefixLen:   prefixLen,
		NextHop:     nextHop,
		Device:      dev,
	}
}

func parseAddress(a config.Address) (tcpip.Address, tcpip.LinkAddress, error) {
	addr, err := parseIP(a.IP)
	if err != nil {
		return 0, tcpip.LinkAddress{}, err
	}
	mac, err := parseMAC(a.MAC)
	if err != nil {
		return 0, tcpip.LinkAddress{}, err
	}
	return addr, mac, nil
}

// installDumpHandler arranges for SIGUSR1 to deep-copy the namespace's
// live ARP cache under its own lock and print it as JSON, so an
// operator can inspect state without racing the executor goroutine
// that owns it.
func installDumpHandler(ns *stack.Namespace, log *logrus.Entry) {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGUSR1)
	go func() {
		for range ch {
			snapshot := deepcopy.Copy(ns.ARPCache().Snapshot())
			b, err := json.MarshalIndent(snapshot, "", "  ")
			if err != nil {
				log.WithError(err).Warn("serve: dump: marshal failed")
				continue
			}
			log.WithField("arp", string(b)).Info("serve: state dump")
		}
	}()
}
