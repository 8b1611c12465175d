package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"bluetooth-gateway/internal/connmgr"
)

// Strategy decides which tiers a connection attempt walks through.
type Strategy int

const (
	// StrategyFallback tries insecure, then secure, then the fallback channel.
	StrategyFallback Strategy = iota
	// StrategySecure makes a single secure attempt.
	StrategySecure
)

// ParseStrategy accepts "fallback" or "secure".
func ParseStrategy(s string) (Strategy, error) {
	switch strings.ToLower(s) {
	case "fallback", "":
		return StrategyFallback, nil
	case "secure":
		return StrategySecure, nil
	default:
		return 0, fmt.Errorf("session: unknown strategy %q", s)
	}
}

func (s Strategy) String() string {
	if s == StrategySecure {
		return "secure"
	}
	return "fallback"
}

// Tiers returns the dial order.
func (s Strategy) Tiers() []connmgr.Tier {
	if s == StrategySecure {
		return []connmgr.Tier{connmgr.TierSecure}
	}
	return []connmgr.Tier{connmgr.TierInsecure, connmgr.TierSecure, connmgr.TierChannel}
}

type dialer interface {
	Dial(ctx context.Context, address string, tier connmgr.Tier) (connmgr.Conn, error)
}

// dialTiers tries each tier in order and returns the first open connection.
// The returned error joins the failure of every tier tried.
func dialTiers(ctx context.Context, d dialer, address string, tiers []connmgr.Tier, log *logrus.Entry) (connmgr.Conn, connmgr.Tier, error) {
	var errs []error
	for _, tier := range tiers {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		tl := log.WithField("tier", tier.String())
		tl.Debug("attempting connection")
		conn, err := d.Dial(ctx, address, tier)
		if err == nil {
			return conn, tier, nil
		}
		tl.WithError(err).Warn("connection attempt failed")
		errs = append(errs, fmt.Errorf("%s: %w", tier, err))
	}
	if len(errs) == 0 {
		return nil, 0, errors.New("session: no connection tiers")
	}
	return nil, 0, errors.Join(errs...)
}
