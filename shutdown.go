package relay

import "context"

// Shutdown closes every recipient channel, then the publishing channel,
// then the connection. Teardown failures are logged, never returned.
// Shutting down a client that is not initialized does nothing. A Shutdown
// that arrives while Initialize is in flight makes that Initialize release
// what it built and fail, and waits for it unless ctx ends first.
func (c *Client) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.state == stateInitializing {
		c.shutdownPending = true
		done := c.initDone
		c.mu.Unlock()

		c.logger.Info("shutdown waiting for initialize to finish")
		select {
		case <-done:
		case <-ctx.Done():
			return nil
		}
		c.mu.Lock()
	}
	if c.state != stateReady {
		c.mu.Unlock()
		return nil
	}
	comps := c.comps
	c.state = stateShuttingDown
	c.mu.Unlock()

	c.teardown(ctx, comps)

	c.mu.Lock()
	c.comps = nil
	c.state = stateIdle
	c.mu.Unlock()

	c.logger.Info("relay shut down")
	return nil
}

// teardown releases everything comps holds. Recipient channels close
// before the connection so in-flight handlers can still settle.
func (c *Client) teardown(ctx context.Context, comps *components) {
	if err := comps.consumer.CloseAll(ctx); err != nil {
		c.logger.Warn("recipient channels closed with errors", "error", err)
	}
	if err := comps.conn.Close(); err != nil {
		c.logger.Warn("connection closed with errors", "error", err)
	}
}
