package config

import (
	"fmt"
	"net"
	"strings"
)

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	var errs []string

	switch strings.ToLower(c.Node.Type) {
	case "mme", "sgw", "pgw":
	default:
		errs = append(errs, fmt.Sprintf("node.type must be mme, sgw or pgw, got %q", c.Node.Type))
	}

	switch strings.ToLower(c.Node.Interface) {
	case "s11", "s4", "s5s8":
	default:
		errs = append(errs, fmt.Sprintf("node.interface must be s11, s4 or s5s8, got %q", c.Node.Interface))
	}

	if net.ParseIP(c.Local.Address) == nil {
		errs = append(errs, fmt.Sprintf("local.address must be a valid IP address, got %q", c.Local.Address))
	}
	if c.Local.Port <= 0 || c.Local.Port > 65535 {
		errs = append(errs, fmt.Sprintf("local.port must be between 1 and 65535, got %d", c.Local.Port))
	}

	if c.Initiator() {
		if net.ParseIP(c.Remote.Address) == nil {
			errs = append(errs, fmt.Sprintf("remote.address must be a valid IP address, got %q", c.Remote.Address))
		}
	}
	if c.Remote.Port <= 0 || c.Remote.Port > 65535 {
		errs = append(errs, fmt.Sprintf("remote.port must be between 1 and 65535, got %d", c.Remote.Port))
	}

	if c.Timing.T3TimerMs <= 0 {
		errs = append(errs, "timing.t3_timer_ms must be > 0")
	}
	if c.Timing.N3Requests < 0 {
		errs = append(errs, "timing.n3_requests must be >= 0")
	}
	if c.Timing.DeadCallWaitMs < 0 {
		errs = append(errs, "timing.dead_call_wait_ms must be >= 0")
	}

	if c.Load.Sessions < 0 {
		errs = append(errs, "load.sessions must be >= 0")
	}
	if c.Load.Rate <= 0 {
		errs = append(errs, "load.rate must be > 0")
	}
	if n := len(c.Load.ImsiStart); n == 0 || n > 15 {
		errs = append(errs, fmt.Sprintf("load.imsi_start must be 1-15 digits, got %q", c.Load.ImsiStart))
	}
	if c.Load.UEIPPool != "" {
		if _, _, err := net.ParseCIDR(c.Load.UEIPPool); err != nil {
			errs = append(errs, fmt.Sprintf("invalid UE IP pool CIDR %q: %v", c.Load.UEIPPool, err))
		}
	}

	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, fmt.Sprintf("logging.level must be one of trace/debug/info/warn/error, got %q", c.Logging.Level))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
