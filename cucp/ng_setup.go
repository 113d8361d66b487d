package cucp

import (
	"errors"
	"sync/atomic"

	"github.com/Readm/gnb_sim/async"
	"github.com/Readm/gnb_sim/core"
	"github.com/Readm/gnb_sim/hooks"
	"github.com/Readm/gnb_sim/logging"
)

// NGSetupConfig configures the NG setup procedure. Durations are in timer ticks.
type NGSetupConfig struct {
	GlobalRANNodeID uint64
	RANNodeName     string
	SupportedTACs   []uint32
	MaxSetupRetries int
	TimeoutTicks    uint64
	BackoffBase     uint64
	BackoffMax      uint64
}

// NGSetupResult summarises an NG setup run.
type NGSetupResult struct {
	Success  bool
	Attempts int
	// Cause of the last failure.
	Cause   Cause
	AMFName string
}

// NGSetupHandler connects the CU-CP to the AMF.
type NGSetupHandler interface {
	StartNGSetup() *async.Task[NGSetupResult]
	Connected() bool
}

type ngInterface struct {
	run       *procedureRunner
	cfg       NGSetupConfig
	amf       NGAPNotifier
	pending   *async.Event[NGAPMessage]
	connected atomic.Bool
}

func (n *ngInterface) Descriptor() hooks.PluginDescriptor {
	return capabilityDescriptor("ng-interface", "NG setup towards the AMF")
}

func (n *ngInterface) Register(broker *hooks.PluginBroker) error {
	return registerCapability(n, broker)
}

// Connected reports whether the last NG setup succeeded.
func (n *ngInterface) Connected() bool { return n.connected.Load() }

// backoff returns the wait before retry number attempt, base*2^attempt capped at BackoffMax.
func (n *ngInterface) backoff(attempt int) uint64 {
	base := n.cfg.BackoffBase
	if base == 0 {
		base = 1
	}
	if attempt >= 63 || base > n.cfg.BackoffMax>>uint(attempt) {
		return n.cfg.BackoffMax
	}
	return base << uint(attempt)
}

func retryable(c Cause) bool {
	return c != CauseMisconfiguration && c != CauseUnknownPLMN
}

// StartNGSetup sends NGSetupRequest and retries failures up to MaxSetupRetries times.
// A TimeToWait from the AMF overrides the exponential backoff.
func (n *ngInterface) StartNGSetup() *async.Task[NGSetupResult] {
	return launchProcedure(n.run, "ng-setup", core.InvalidUEIndex, func(c *async.Coro, log *logging.Logger) (NGSetupResult, bool, error) {
		var res NGSetupResult
		for attempt := 0; ; attempt++ {
			res.Attempts = attempt + 1
			ev := async.NewEvent[NGAPMessage]()
			n.pending = ev
			n.amf.OnNewNGAPMessage(NGSetupRequest{
				GlobalRANNodeID: n.cfg.GlobalRANNodeID,
				RANNodeName:     n.cfg.RANNodeName,
				SupportedTACs:   n.cfg.SupportedTACs,
			})
			msg, err := async.AwaitWithTimeout[NGAPMessage](c, ev, n.run.timers, n.cfg.TimeoutTicks)
			if n.pending == ev {
				n.pending = nil
			}

			var wait uint64
			switch m := msg.(type) {
			case NGSetupResponse:
				n.connected.Store(true)
				res.Success, res.Cause, res.AMFName = true, CauseUnspecified, m.AMFName
				log.Infof("connected to AMF %q after %d attempts", m.AMFName, res.Attempts)
				return res, true, nil
			case NGSetupFailure:
				res.Cause = m.Cause
				if !retryable(m.Cause) {
					log.Warnf("AMF rejected NG setup: %s", m.Cause)
					return res, false, nil
				}
				wait = m.TimeToWait
			default:
				if !errors.Is(err, async.ErrTimeout) {
					return res, false, err
				}
				res.Cause = CauseTransportUnavailable
			}
			if attempt >= n.cfg.MaxSetupRetries {
				log.Warnf("NG setup failed after %d attempts: %s", res.Attempts, res.Cause)
				return res, false, nil
			}
			if wait == 0 {
				wait = n.backoff(attempt)
			}
			log.Infof("NG setup attempt %d failed (%s), retrying in %d ticks", res.Attempts, res.Cause, wait)
			if err := async.Sleep(c, n.run.timers, wait); err != nil {
				return res, false, err
			}
		}
	})
}

// handle routes an NG setup outcome to the running procedure.
func (n *ngInterface) handle(msg NGAPMessage) bool {
	if n.pending == nil {
		return false
	}
	ev := n.pending
	n.pending = nil
	return ev.Set(msg)
}
