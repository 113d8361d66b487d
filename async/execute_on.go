package async

import "github.com/Readm/gnb_sim/logging"

// ExecuteOn moves the rest of the task to target. It fails without suspending when
// target rejects the continuation.
func ExecuteOn(c *Coro, target TaskExecutor) error {
	prev := c.Executor()
	c.setExecutor(target)
	if !target.Execute(c.step) {
		c.setExecutor(prev)
		return ErrDispatchFailed
	}
	c.park()
	return nil
}

// ExecuteOnBlocking moves the rest of the task to target, retrying every tick while target's
// queue is full. The continuation is never dropped; if target never accepts, the task waits
// forever. It only fails when the task is cancelled.
func ExecuteOnBlocking(c *Coro, target TaskExecutor, timers *TimerManager, log *logging.Logger) error {
	if err := ExecuteOn(c, target); err == nil {
		return nil
	}
	log.Warnf("Unable to dispatch %q, retrying every tick", c.Name())

	retry := timers.Create(c.Executor())
	attempts := 1
	for {
		if err := retry.Wait(c, 1); err != nil {
			return err
		}
		attempts++
		if err := ExecuteOn(c, target); err == nil {
			log.Debugf("Dispatched %q after %d attempts", c.Name(), attempts)
			return nil
		}
	}
}
