// Package portdetector is the connection-attempt honeypot: it listens
// on a set of ports nothing legitimate should ever touch, and records
// an offense for every TCP connect or UDP datagram it sees. Modeled on
// services.dhcp.Service's mutex-guarded Start/Stop lifecycle with one
// goroutine per listener, adapted from DHCP's single well-known port
// to an arbitrary set of rule-derived ports and two protocols.
package portdetector

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"mimosa/internal/model"
)

// Rule matches a hit port (exact, list, or range) to a severity.
type Rule struct {
	Protocol    string // "tcp" or "udp"
	Severity    string
	Port        *int
	Ports       []int
	RangeStart  *int
	RangeEnd    *int
	Description string
}

// Config configures the detector.
type Config struct {
	DefaultSeverity string
	Rules           []Rule
}

// Submitter is the subset of internal/ingest.Pipeline the detector needs.
type Submitter interface {
	Submit(ctx context.Context, o *model.Offense) (*model.Offense, error)
}

// Detector listens on every port named by cfg.Rules.
type Detector struct {
	mu        sync.Mutex
	cfg       Config
	submit    Submitter
	running   bool
	listeners []net.Listener
	packets   []net.PacketConn
	wg        sync.WaitGroup
}

// New builds a Detector. Call Start to begin listening.
func New(cfg Config, submit Submitter) *Detector {
	return &Detector{cfg: cfg, submit: submit}
}

// ports expands a Rule into the concrete port numbers it covers.
func (r Rule) ports() []int {
	var out []int
	if r.Port != nil {
		out = append(out, *r.Port)
	}
	out = append(out, r.Ports...)
	if r.RangeStart != nil && r.RangeEnd != nil {
		for p := *r.RangeStart; p <= *r.RangeEnd; p++ {
			out = append(out, p)
		}
	}
	return out
}

func (r Rule) severity(def string) string {
	if r.Severity != "" {
		return r.Severity
	}
	return def
}

// Start opens a listener (TCP) or packet conn (UDP) for every port in
// every rule and begins serving them in background goroutines. A
// second Start call on an already-running Detector is a no-op.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return nil
	}

	for _, rule := range d.cfg.Rules {
		for _, port := range rule.ports() {
			sev := rule.severity(d.cfg.DefaultSeverity)
			addr := fmt.Sprintf(":%d", port)

			switch rule.Protocol {
			case "udp":
				pc, err := net.ListenPacket("udp", addr)
				if err != nil {
					d.closeAllLocked()
					return fmt.Errorf("portdetector: listen udp %s: %w", addr, err)
				}
				d.packets = append(d.packets, pc)
				d.wg.Add(1)
				go d.serveUDP(ctx, pc, port, sev, rule.Description)
			default: // "tcp" and anything unrecognized
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					d.closeAllLocked()
					return fmt.Errorf("portdetector: listen tcp %s: %w", addr, err)
				}
				d.listeners = append(d.listeners, ln)
				d.wg.Add(1)
				go d.serveTCP(ctx, ln, port, sev, rule.Description)
			}
		}
	}

	d.running = true
	return nil
}

// Stop closes every listener and waits for their goroutines to exit.
func (d *Detector) Stop() {
	d.mu.Lock()
	d.closeAllLocked()
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Detector) closeAllLocked() {
	for _, ln := range d.listeners {
		_ = ln.Close()
	}
	for _, pc := range d.packets {
		_ = pc.Close()
	}
	d.listeners = nil
	d.packets = nil
	d.running = false
}

func (d *Detector) serveTCP(ctx context.Context, ln net.Listener, port int, severity, description string) {
	defer d.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		ip, _, splitErr := net.SplitHostPort(conn.RemoteAddr().String())
		if splitErr != nil {
			ip = conn.RemoteAddr().String()
		}
		_ = conn.Close()

		d.record(ctx, ip, "tcp", port, severity, description)
	}
}

func (d *Detector) serveUDP(ctx context.Context, pc net.PacketConn, port int, severity, description string) {
	defer d.wg.Done()
	buf := make([]byte, 512)
	for {
		_, addr, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		ip, _, splitErr := net.SplitHostPort(addr.String())
		if splitErr != nil {
			ip = addr.String()
		}

		d.record(ctx, ip, "udp", port, severity, description)
	}
}

func (d *Detector) record(ctx context.Context, ip, proto string, port int, severity, description string) {
	desc := fmt.Sprintf("Port hit: %s/%d", proto, port)
	if description != "" {
		desc = fmt.Sprintf("%s (%s)", desc, description)
	}

	o := &model.Offense{
		SourceIP:    ip,
		Description: desc,
		Plugin:      "portdetector",
		Severity:    model.Severity(severity),
		Context: map[string]any{
			"protocol": proto,
			"port":     port,
		},
	}
	if _, err := d.submit.Submit(ctx, o); err != nil {
		slog.Error("portdetector: submit failed", "ip", ip, "port", port, "error", err)
	}
}
