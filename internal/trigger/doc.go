// Package trigger turns inbound repository events into runs and reports
// their terminal status.
//
// A [Service] holds the binding table that maps an origin repository to a
// template and a configuration. OnTrigger resolves the template, parses the
// configuration and binds a Pending run before anything is provisioned, so
// configuration and template errors reach the caller directly. The run is
// then executed on its own goroutine and OnTrigger returns its id.
//
// When a run reaches a terminal status it is stored and a single notification
// is posted to the binding's status URL. Delivery failures are logged and
// never change the stored run.
//
// Example usage:
//
//	svc, err := trigger.NewService(trigger.Options{
//		Bindings: bindings,
//		Registry: registry,
//		Binder:   bind.New(&seq),
//		Executor: runner,
//		Store:    store,
//		Reporter: reporter,
//	})
//	if err != nil {
//		return err
//	}
//
//	id, err := svc.OnTrigger(ctx, trigger.Event{Repository: "acme/logger", Ref: "main", Commit: "4f2a9c1"})
//	if err != nil {
//		return err
//	}
//
//	run, err := svc.Wait(ctx, id)
package trigger
