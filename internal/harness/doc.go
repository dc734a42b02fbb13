// Package harness runs reconciliation scenarios end to end.
//
// A scenario seeds an in-memory inventory, uploads device batches through
// the real engine and resolver, and checks the outcome of every mutation.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: concurrent_merge
//	description: "Concurrent sale on a product with enough stock merges"
//	policy: |
//	  policy: guard_dominant_writes: true
//	products:
//	  - id: amoxicillin-500
//	    stock: 10
//	    clock: { d1: 1, d2: 1 }
//	batches:
//	  - device: d1
//	    mutations:
//	      - id: sale-1
//	        product: amoxicillin-500
//	        delta: 3
//	        clock: { d1: 2 }
//	        expect:
//	          disposition: MERGE
//	          stock: 7
//	final_stock:
//	  amoxicillin-500: 7
//	audit_count: 0
//
// policy is optional CUE source compiled by the policy package. A batch may
// declare expect_error (e.g. INVALID_BATCH) when the engine must reject it
// whole; a mutation may expect an error code such as PRODUCT_NOT_FOUND.
//
// # Deterministic Testing
//
// Every run uses a fresh ":memory:" store, a testutil.DeterministicClock for
// recorded timestamps and a testutil.SequenceGenerator for batch and audit
// ids, so traces are identical across runs and can be compared against
// golden files with RunWithGolden.
//
// # Usage
//
//	scenario, err := harness.LoadScenario("testdata/scenarios/concurrent_merge.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	result, err := harness.Run(scenario)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if !result.Pass {
//	    for _, e := range result.Errors {
//	        log.Println(e)
//	    }
//	}
package harness
