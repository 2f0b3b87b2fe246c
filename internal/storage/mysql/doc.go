// Package mysql provides the MySQL plumbing shared by AgentChain: connection
// pooling, the embedded schema migrations, and the memory repository that
// persists agent memory records as an append-only table.
package mysql
