package db

import (
	"context"

	"github.com/pkg/errors"
)

// schema is applied at startup. Statements are idempotent so that
// restarting the node against an existing database is a no-op.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS messages (
		item_hash TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		chain TEXT NOT NULL,
		sender TEXT NOT NULL,
		signature TEXT,
		item_type TEXT NOT NULL,
		item_content TEXT,
		content JSONB NOT NULL,
		time TIMESTAMPTZ NOT NULL,
		channel TEXT,
		size BIGINT NOT NULL DEFAULT 0
	)`,
	`CREATE INDEX IF NOT EXISTS ix_messages_sender ON messages (sender)`,
	`CREATE INDEX IF NOT EXISTS ix_messages_time ON messages (time)`,

	`CREATE TABLE IF NOT EXISTS message_status (
		item_hash TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		reception_time TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS message_confirmations (
		item_hash TEXT NOT NULL,
		tx_hash TEXT NOT NULL,
		PRIMARY KEY (item_hash, tx_hash)
	)`,

	`CREATE TABLE IF NOT EXISTS pending_messages (
		id BIGSERIAL PRIMARY KEY,
		item_hash TEXT NOT NULL,
		type TEXT NOT NULL,
		chain TEXT NOT NULL,
		sender TEXT NOT NULL,
		signature TEXT,
		item_type TEXT NOT NULL,
		item_content TEXT,
		content JSONB,
		time TIMESTAMPTZ NOT NULL,
		channel TEXT,
		retries INT NOT NULL DEFAULT 0,
		next_attempt TIMESTAMPTZ NOT NULL,
		check_message BOOLEAN NOT NULL DEFAULT TRUE,
		fetched BOOLEAN NOT NULL DEFAULT FALSE,
		tx_hash TEXT,
		reception_time TIMESTAMPTZ NOT NULL
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_pending_messages
		ON pending_messages (item_hash, sender, COALESCE(signature, ''))`,
	`CREATE INDEX IF NOT EXISTS ix_pending_messages_next_attempt
		ON pending_messages (fetched, next_attempt)`,

	`CREATE TABLE IF NOT EXISTS rejected_messages (
		item_hash TEXT PRIMARY KEY,
		message JSONB,
		error_code INT NOT NULL,
		details JSONB,
		traceback TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS forgotten_messages (
		item_hash TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		chain TEXT NOT NULL,
		sender TEXT NOT NULL,
		signature TEXT NOT NULL,
		item_type TEXT NOT NULL,
		time TIMESTAMPTZ NOT NULL,
		channel TEXT,
		forgotten_by TEXT[] NOT NULL DEFAULT '{}'
	)`,

	`CREATE TABLE IF NOT EXISTS chain_txs (
		hash TEXT PRIMARY KEY,
		chain TEXT NOT NULL,
		height BIGINT NOT NULL,
		datetime TIMESTAMPTZ NOT NULL,
		publisher TEXT NOT NULL,
		protocol TEXT NOT NULL,
		protocol_version INT NOT NULL,
		content JSONB NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS pending_txs (
		tx_hash TEXT PRIMARY KEY REFERENCES chain_txs (hash)
	)`,

	`CREATE TABLE IF NOT EXISTS chain_sync_status (
		chain TEXT NOT NULL,
		type TEXT NOT NULL,
		height BIGINT NOT NULL,
		last_update TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (chain, type)
	)`,

	`CREATE TABLE IF NOT EXISTS indexer_sync_status (
		chain TEXT NOT NULL,
		event_type TEXT NOT NULL,
		start_block_datetime TIMESTAMPTZ NOT NULL,
		end_block_datetime TIMESTAMPTZ NOT NULL,
		start_included BOOLEAN NOT NULL DEFAULT TRUE,
		end_included BOOLEAN NOT NULL DEFAULT FALSE,
		last_updated TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (chain, event_type, start_block_datetime)
	)`,

	`CREATE TABLE IF NOT EXISTS files (
		hash TEXT PRIMARY KEY,
		size BIGINT NOT NULL,
		type TEXT NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS file_pins (
		id BIGSERIAL PRIMARY KEY,
		file_hash TEXT NOT NULL REFERENCES files (hash),
		created TIMESTAMPTZ NOT NULL,
		type TEXT NOT NULL,
		tx_hash TEXT,
		owner TEXT,
		item_hash TEXT,
		ref TEXT,
		delete_by TIMESTAMPTZ
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS uq_file_pins_item_hash_type
		ON file_pins (item_hash, type) WHERE item_hash IS NOT NULL`,
	`CREATE INDEX IF NOT EXISTS ix_file_pins_file_hash ON file_pins (file_hash)`,

	`CREATE TABLE IF NOT EXISTS file_tags (
		tag TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		file_hash TEXT NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS aggregate_elements (
		item_hash TEXT PRIMARY KEY,
		key TEXT NOT NULL,
		owner TEXT NOT NULL,
		content JSONB NOT NULL,
		creation_datetime TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ix_aggregate_elements_key_owner
		ON aggregate_elements (key, owner, creation_datetime)`,

	`CREATE TABLE IF NOT EXISTS aggregates (
		key TEXT NOT NULL,
		owner TEXT NOT NULL,
		content JSONB NOT NULL,
		creation_datetime TIMESTAMPTZ NOT NULL,
		last_revision_hash TEXT NOT NULL,
		dirty BOOLEAN NOT NULL DEFAULT FALSE,
		PRIMARY KEY (key, owner)
	)`,

	`CREATE TABLE IF NOT EXISTS posts (
		item_hash TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		type TEXT NOT NULL,
		ref TEXT,
		amends TEXT,
		channel TEXT,
		content JSONB,
		creation_datetime TIMESTAMPTZ NOT NULL,
		latest_amend TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_posts_amends ON posts (amends)`,

	`CREATE TABLE IF NOT EXISTS vms (
		item_hash TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		owner TEXT NOT NULL,
		vcpus BIGINT NOT NULL,
		memory BIGINT NOT NULL,
		seconds BIGINT NOT NULL DEFAULT 0,
		allow_amend BOOLEAN NOT NULL DEFAULT FALSE,
		replaces TEXT,
		environment_internet BOOLEAN NOT NULL DEFAULT FALSE,
		environment_aleph_api BOOLEAN NOT NULL DEFAULT FALSE,
		environment_reproducible BOOLEAN NOT NULL DEFAULT FALSE,
		environment_shared_cache BOOLEAN NOT NULL DEFAULT FALSE,
		environment_trusted_execution BOOLEAN NOT NULL DEFAULT FALSE,
		payment_type TEXT NOT NULL DEFAULT 'hold',
		created TIMESTAMPTZ NOT NULL,
		program_type TEXT,
		persistent BOOLEAN NOT NULL DEFAULT FALSE,
		http_trigger BOOLEAN NOT NULL DEFAULT FALSE,
		rootfs_ref TEXT,
		rootfs_use_latest BOOLEAN NOT NULL DEFAULT FALSE,
		rootfs_size_mib BIGINT NOT NULL DEFAULT 0,
		rootfs_persistence TEXT,
		code_ref TEXT,
		code_use_latest BOOLEAN NOT NULL DEFAULT FALSE,
		code_entrypoint TEXT,
		runtime_ref TEXT,
		runtime_use_latest BOOLEAN NOT NULL DEFAULT FALSE,
		data_ref TEXT,
		data_use_latest BOOLEAN NOT NULL DEFAULT FALSE
	)`,

	`CREATE TABLE IF NOT EXISTS vm_machine_volumes (
		id BIGSERIAL PRIMARY KEY,
		vm_hash TEXT NOT NULL REFERENCES vms (item_hash) ON DELETE CASCADE,
		kind TEXT NOT NULL,
		ref TEXT,
		use_latest BOOLEAN NOT NULL DEFAULT FALSE,
		mount TEXT,
		name TEXT,
		size_mib BIGINT NOT NULL DEFAULT 0,
		parent_ref TEXT,
		persistence TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS ix_vm_machine_volumes_ref ON vm_machine_volumes (ref)`,

	`CREATE TABLE IF NOT EXISTS vm_versions (
		vm_hash TEXT PRIMARY KEY,
		owner TEXT NOT NULL,
		current_version TEXT NOT NULL,
		last_updated TIMESTAMPTZ NOT NULL
	)`,

	`CREATE TABLE IF NOT EXISTS balances (
		address TEXT NOT NULL,
		chain TEXT NOT NULL,
		dapp TEXT NOT NULL DEFAULT '',
		balance NUMERIC(40, 18) NOT NULL DEFAULT 0,
		eth_height BIGINT NOT NULL DEFAULT 0,
		last_update TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (address, chain, dapp)
	)`,

	`CREATE TABLE IF NOT EXISTS account_costs (
		id BIGSERIAL PRIMARY KEY,
		owner TEXT NOT NULL,
		item_hash TEXT NOT NULL REFERENCES messages (item_hash) ON DELETE CASCADE,
		type TEXT NOT NULL,
		name TEXT NOT NULL,
		ref TEXT,
		payment_type TEXT NOT NULL,
		cost_hold NUMERIC(40, 18) NOT NULL DEFAULT 0,
		cost_stream NUMERIC(40, 18) NOT NULL DEFAULT 0,
		cost_credit NUMERIC(40, 18) NOT NULL DEFAULT 0,
		UNIQUE (owner, item_hash, type, name)
	)`,

	`CREATE TABLE IF NOT EXISTS credit_history (
		credit_ref TEXT NOT NULL,
		credit_index INT NOT NULL,
		address TEXT NOT NULL,
		amount BIGINT NOT NULL,
		price TEXT,
		bonus_amount BIGINT,
		tx_hash TEXT,
		token TEXT,
		chain TEXT,
		provider TEXT,
		origin TEXT,
		origin_ref TEXT,
		payment_method TEXT,
		expiration_date TIMESTAMPTZ,
		message_timestamp TIMESTAMPTZ NOT NULL,
		last_update TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (credit_ref, credit_index)
	)`,
	`CREATE INDEX IF NOT EXISTS ix_credit_history_address
		ON credit_history (address, message_timestamp)`,

	`CREATE TABLE IF NOT EXISTS credit_balances (
		address TEXT PRIMARY KEY,
		balance BIGINT NOT NULL,
		last_update TIMESTAMPTZ NOT NULL
	)`,
}

// Migrate applies the schema statements in order.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return errors.Wrapf(err, "could not apply schema statement %.60q", stmt)
		}
	}
	return nil
}
