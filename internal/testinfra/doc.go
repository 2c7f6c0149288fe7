// Shiori - Multi-Source Chapter Discovery and Tracking Engine
// Copyright 2026 M. Kojima (mkojima)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/mkojima/shiori

// Package testinfra provides container-backed infrastructure for
// integration tests.
//
// The store's cross-process invariants (chapter uniqueness under
// racing reconcilers, single-statement token spending, lease
// ownership) depend on real Postgres semantics; mocks cannot validate
// them. Integration tests spin up a disposable Postgres with
// testcontainers-go:
//
//	func TestStore(t *testing.T) {
//	    testinfra.SkipIfNoDocker(t)
//	    ctx := context.Background()
//	    pg, err := testinfra.NewPostgresContainer(ctx)
//	    if err != nil {
//	        t.Fatal(err)
//	    }
//	    defer pg.Terminate(ctx)
//
//	    st, err := store.Open(ctx, store.Config{URL: pg.DSN})
//	    // ...
//	}
//
// Tests behind the integration build tag require Docker and are
// skipped gracefully where it is unavailable.
package testinfra
