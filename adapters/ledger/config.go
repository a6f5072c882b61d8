package ledger

import (
	"fmt"
	"time"
)

// DegradePolicy decides what a submission does when the ledger is unreachable
type DegradePolicy string

const (
	// FailOpen commits locally with a simulated transaction
	FailOpen DegradePolicy = "fail_open"

	// FailClosed rejects the submission
	FailClosed DegradePolicy = "fail_closed"
)

const (
	DefaultConfirmTimeout = 120 * time.Second
	DefaultPollInterval   = 2 * time.Second
	DefaultGasFallback    = uint64(200000)
	DefaultGasMargin      = uint64(50000)
	DefaultGasCap         = uint64(500000)
)

// Config holds the ledger client settings
type Config struct {
	RPCURL          string
	ContractAddress string
	PrivateKey      string // hex, with or without 0x
	ConfirmTimeout  time.Duration
	PollInterval    time.Duration
	Degrade         DegradePolicy
	GasFallback     uint64
	GasMargin       uint64
	GasCap          uint64
}

func (c Config) withDefaults() Config {
	if c.ConfirmTimeout <= 0 {
		c.ConfirmTimeout = DefaultConfirmTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.Degrade == "" {
		c.Degrade = FailOpen
	}
	if c.GasFallback == 0 {
		c.GasFallback = DefaultGasFallback
	}
	if c.GasMargin == 0 {
		c.GasMargin = DefaultGasMargin
	}
	if c.GasCap == 0 {
		c.GasCap = DefaultGasCap
	}
	return c
}

func (c Config) validate() error {
	switch c.Degrade {
	case FailOpen, FailClosed:
	default:
		return fmt.Errorf("unknown degrade policy %q", c.Degrade)
	}
	if c.GasCap < c.GasFallback {
		return fmt.Errorf("gas cap %d below fallback %d", c.GasCap, c.GasFallback)
	}
	return nil
}
