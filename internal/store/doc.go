// Package store owns the local SQLite database: opening it, configuring it,
// migrating its schema and running transactions.
//
// The database holds:
//   - Entity tables: categories, products, customers, orders, order_items,
//     payments, inventory_adjustments, ledger_entries, admin_users
//   - sync_queue: outbound mutations awaiting delivery
//   - sync_meta: per-entity-type pull watermarks
//   - _migrations: applied schema versions
//
// # Transactions
//
// Every multi-statement change goes through DB.WithTx. Entity writes and
// their queue entries share one transaction so a crash never leaves one
// without the other.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait on lock contention
//   - foreign_keys=ON: Enforce order/order item/payment relationships
//   - One open connection: SQLite is single-writer
package store
