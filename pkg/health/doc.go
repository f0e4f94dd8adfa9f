/*
Package health decides whether the backend is reachable.

The engine never trusts a platform "online" flag: connectivity is the result
of probing the backend and of watching real traffic.

# Architecture

	 ┌──────────────┐  Check(ctx)   ┌──────────────┐
	 │ HTTPProbe    │◄──────────────┤              │  ConnectivityChanged
	 │ DialProbe    │               │   Monitor    ├─────────────────────► events.Bus
	 └──────────────┘               │              │
	 interceptor ──── Observe() ───►│ Connectivity ├──► fieldsync_online
	                                └──────┬───────┘    component "backend"
	                                       │ Online()
	                                       ▼
	                     background.DeferredScheduler

Two probe types exist:

  - http: GET the backend health URL, healthy on 200-399 by default
  - tcp: dial the backend host, for backends without a health endpoint

# State

The monitor starts online. Config.Retries consecutive failures take it
offline; one success brings it back. Every flip is logged, exported as the
fieldsync_online gauge, reported as the "backend" health component (which
degrades, but never fails, readiness) and emitted as
events.ConnectivityChanged.

# Usage

	checker, err := health.NewChecker(health.CheckTypeHTTP, cfg.HealthURL(), 5*time.Second,
		health.WithHeader("apikey", cfg.Backend.APIKey))
	if err != nil {
		return err
	}
	monitor := health.NewMonitor(checker, health.DefaultConfig(), bus)
	monitor.Start()
	defer monitor.Stop()
*/
package health
