// Package harness runs offline-sync scenarios written in YAML against the
// real store, queue, repositories and engine, with a scripted remote.
//
// # Scenario Format
//
//	name: payment_waits_for_order
//	description: "A payment is not sent before its order syncs"
//	retry: { max_retries: 3, backoff_base: 1s, backoff_cap: 1m }
//	steps:
//	  - create: { as: order, type: order, fields: { number: A-1, ... } }
//	  - create: { as: pay, type: payment, fields: { order_local_id: "@order", ... } }
//	  - script: { ref: order, outcomes: [fail, ok] }
//	  - drain: { expect: { sent: 1, failed: 1 } }
//	  - advance: 2s
//	  - page: { type: product, server_timestamp: s1, records: [ { id: 7, name: Tea } ] }
//	  - pull: { expect: { inserted: 1 } }
//	  - online: false
//	expect:
//	  queue: { synced: 2, dead: 0 }
//	  entities:
//	    pay: { sync_status: synced, server_id: 2 }
//	assertions:
//	  - type: final_state
//	    table: payments
//	    where: { local_id: "@pay" }
//	    expect: { order_id: 1 }
//
// "@alias" strings name the local id of an entity created earlier. Steps
// that name an entity also accept a plain local id, e.g. one assigned by a
// pulled record.
//
// # Determinism
//
// Every run uses a fresh in-memory database, a fake clock that only moves
// on advance steps, sequential local ids (local-0001, ...) and a remote
// that answers from scripts and hands out server ids from 1. The trace of
// sends, pulled pages and per-step counts is therefore stable and compared
// against golden files.
package harness
