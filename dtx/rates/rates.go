// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

package rates

import (
	"context"
	"sync"
	"time"

	"dtrex.org/xchbridge/dtx"
)

const (
	// DefaultFiatCurrency is the currency the commitment fee is quoted in.
	DefaultFiatCurrency = "USD"
	// rateRequestInterval is the minimum amount of time between calls to an
	// exchange API, however often callers ask for the rate.
	rateRequestInterval = time.Minute
	// rateDataExpiry: any rate older than rateDataExpiry is discarded rather
	// than used for fee computation.
	rateDataExpiry = 10 * time.Minute
)

// ErrRateUnavailable is returned when no source has produced a usable rate
// within the expiry window.
const ErrRateUnavailable = dtx.ErrorKind("exchange rate unavailable")

// Source fetches the current USD price of one whole XCH from one external
// API. Implementations must return an error rather than a zero or negative
// price.
type Source struct {
	Name  string
	Fetch func(ctx context.Context, log dtx.Logger) (float64, error)
}

// Oracle maintains a cached USD-per-XCH exchange rate, refreshed lazily from
// its sources. Sources are tried in order; the first usable price wins.
type Oracle struct {
	log     dtx.Logger
	sources []*Source

	mtx         sync.Mutex
	rate        float64
	lastUpdate  time.Time
	lastAttempt time.Time
}

// NewOracle constructs an Oracle. With no sources specified, the default
// public API sources are used.
func NewOracle(log dtx.Logger, sources ...*Source) *Oracle {
	if len(sources) == 0 {
		sources = defaultSources()
	}
	return &Oracle{
		log:     log,
		sources: sources,
	}
}

// Rate returns the current USD price of one XCH, fetching from the sources
// if the cached value is stale. A cached value younger than rateDataExpiry is
// returned as-is when all sources fail.
func (o *Oracle) Rate(ctx context.Context) (float64, error) {
	o.mtx.Lock()
	now := time.Now()
	cachedRate, lastUpdate := o.rate, o.lastUpdate
	fresh := cachedRate > 0 && now.Sub(lastUpdate) < rateDataExpiry

	// Respect the per-source API budget. If we asked recently, use what we
	// have or nothing. Claiming lastAttempt before unlocking means only one
	// caller per interval reaches the sources.
	if now.Sub(o.lastAttempt) < rateRequestInterval {
		o.mtx.Unlock()
		if fresh {
			return cachedRate, nil
		}
		return 0, ErrRateUnavailable
	}
	o.lastAttempt = now
	o.mtx.Unlock()

	// Source round trips can take seconds. The lock is released so cache
	// readers are never stuck behind a slow exchange API.
	for _, src := range o.sources {
		rate, err := src.Fetch(ctx, o.log)
		if err != nil {
			o.log.Errorf("Error getting USD rate from %s: %v", src.Name, err)
			continue
		}
		if rate <= 0 {
			o.log.Errorf("%s returned a non-positive XCH price %f", src.Name, rate)
			continue
		}
		o.mtx.Lock()
		o.rate = rate
		o.lastUpdate = time.Now()
		o.mtx.Unlock()
		return rate, nil
	}

	if fresh {
		return cachedRate, nil
	}
	return 0, ErrRateUnavailable
}

// LastRate returns the cached rate and its age without triggering a refresh.
// The boolean is false if no rate has ever been fetched.
func (o *Oracle) LastRate() (float64, time.Duration, bool) {
	o.mtx.Lock()
	defer o.mtx.Unlock()
	if o.rate <= 0 {
		return 0, 0, false
	}
	return o.rate, time.Since(o.lastUpdate), true
}
