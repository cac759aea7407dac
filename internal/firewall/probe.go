package firewall

import (
	"context"
	"fmt"
	"time"

	probing "github.com/prometheus-community/pro-bing"
)

// Prober checks that the host can still reach the outside after apply.
type Prober interface {
	// Reachable reports whether at least one target answered.
	Reachable(ctx context.Context, targets []string) bool
}

// ICMPProber pings each target once with raw ICMP sockets.
type ICMPProber struct {
	Count   int
	Timeout time.Duration
}

// NewICMPProber returns a single-echo prober with the given per-target timeout.
func NewICMPProber(timeout time.Duration) *ICMPProber {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &ICMPProber{Count: 1, Timeout: timeout}
}

func (p *ICMPProber) Reachable(ctx context.Context, targets []string) bool {
	for _, target := range targets {
		if ctx.Err() != nil {
			return false
		}
		if err := p.ping(ctx, target); err == nil {
			return true
		}
	}
	return false
}

func (p *ICMPProber) ping(ctx context.Context, target string) error {
	pinger, err := probing.NewPinger(target)
	if err != nil {
		return fmt.Errorf("failed to create pinger: %w", err)
	}

	pinger.Count = p.Count
	pinger.Timeout = p.Timeout
	pinger.SetPrivileged(true)

	if err := pinger.RunWithContext(ctx); err != nil {
		return err
	}
	if pinger.Statistics().PacketsRecv == 0 {
		return fmt.Errorf("packet loss")
	}
	return nil
}
