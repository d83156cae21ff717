// Package pool provides a bounded, goroutine-safe object pool.
//
// A Pool hands out exclusive leases over values built by a Factory. It never
// holds more than Config.MaxTotal live values (idle + leased), keeps at most
// Config.MaxIdle of them idle, and blocks borrowers for up to Config.MaxWait
// once the limit is reached. Blocked borrowers are served in arrival order: a
// released value, or a slot freed by a destroyed value, is handed directly to
// the oldest waiter.
//
// Example usage:
//
//	p, err := pool.New[broker.Channel](factory, pool.Config{
//		MaxTotal:     8,
//		MaxIdle:      4,
//		MaxWait:      5 * time.Second,
//		TestOnBorrow: true,
//	}, pool.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer p.Destroy()
//
//	err = p.Execute(ctx, func(ch broker.Channel) error {
//		return ch.DeclareQueue("orders", true, nil)
//	})
package pool
