package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// sharedSchemaDDL creates the tables spec §3 calls "core shared tables":
// one set per database, living in --main-schema (default "que_pasa").
const sharedSchemaDDL = `
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.levels (
    level BIGINT PRIMARY KEY,
    hash TEXT NOT NULL,
    prev_hash TEXT,
    baked_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]s.contracts (
    name TEXT PRIMARY KEY,
    address TEXT NOT NULL UNIQUE,
    mode TEXT NOT NULL DEFAULT 'Bootstrap'
);

CREATE TABLE IF NOT EXISTS %[1]s.contract_levels (
    contract TEXT NOT NULL REFERENCES %[1]s.contracts(name),
    level BIGINT NOT NULL REFERENCES %[1]s.levels(level) ON DELETE CASCADE,
    is_origination BOOLEAN NOT NULL DEFAULT false,
    PRIMARY KEY (contract, level)
);

CREATE TABLE IF NOT EXISTS %[1]s.tx_contexts (
    id BIGINT PRIMARY KEY,
    level BIGINT NOT NULL REFERENCES %[1]s.levels(level) ON DELETE CASCADE,
    contract TEXT NOT NULL,
    operation_group_number INTEGER NOT NULL,
    operation_number INTEGER NOT NULL,
    content_number INTEGER NOT NULL,
    internal_number INTEGER
);
CREATE UNIQUE INDEX IF NOT EXISTS uniq_tx_contexts_coord ON %[1]s.tx_contexts
    (level, contract, operation_group_number, operation_number, content_number, (COALESCE(internal_number, -1)));
CREATE INDEX IF NOT EXISTS idx_tx_contexts_level ON %[1]s.tx_contexts (level);

CREATE TABLE IF NOT EXISTS %[1]s.txs (
    tx_context_id BIGINT PRIMARY KEY REFERENCES %[1]s.tx_contexts(id) ON DELETE CASCADE,
    source TEXT,
    destination TEXT,
    entrypoint TEXT,
    fee BIGINT NOT NULL DEFAULT 0,
    gas_used BIGINT NOT NULL DEFAULT 0,
    storage_size BIGINT NOT NULL DEFAULT 0,
    status TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]s.bigmap_meta_actions (
    bigmap_id BIGINT NOT NULL,
    tx_context_id BIGINT NOT NULL REFERENCES %[1]s.tx_contexts(id) ON DELETE CASCADE,
    action TEXT NOT NULL,
    value JSONB
);
CREATE INDEX IF NOT EXISTS idx_bigmap_meta_actions_bigmap ON %[1]s.bigmap_meta_actions (bigmap_id);

CREATE TABLE IF NOT EXISTS %[1]s.bigmap_keys (
    bigmap_id BIGINT NOT NULL,
    tx_context_id BIGINT NOT NULL REFERENCES %[1]s.tx_contexts(id) ON DELETE CASCADE,
    action TEXT NOT NULL,
    keyhash TEXT NOT NULL DEFAULT '',
    key JSONB,
    value JSONB
);
CREATE INDEX IF NOT EXISTS idx_bigmap_keys_bigmap ON %[1]s.bigmap_keys (bigmap_id, tx_context_id);

CREATE TABLE IF NOT EXISTS %[1]s.contract_deps (
    level BIGINT NOT NULL REFERENCES %[1]s.levels(level) ON DELETE CASCADE,
    src_contract TEXT NOT NULL,
    dest_schema TEXT NOT NULL,
    is_deep_copy BOOLEAN NOT NULL DEFAULT false
);

CREATE TABLE IF NOT EXISTS %[1]s.indexer_state (
    id INTEGER PRIMARY KEY DEFAULT 1 CHECK (id = 1),
    max_id BIGINT NOT NULL DEFAULT 0,
    chain_id TEXT
);
INSERT INTO %[1]s.indexer_state (id, max_id) VALUES (1, 0) ON CONFLICT (id) DO NOTHING;

CREATE OR REPLACE FUNCTION %[1]s.last_context_at(lvl BIGINT) RETURNS TABLE (op_grp INT, op INT, content INT, internal INT) AS $$
    SELECT operation_group_number, operation_number, content_number, COALESCE(internal_number, -1)
    FROM %[1]s.tx_contexts WHERE level <= lvl
    ORDER BY level DESC, operation_group_number DESC, operation_number DESC, content_number DESC, COALESCE(internal_number, -1) DESC
    LIMIT 1
$$ LANGUAGE sql STABLE;

CREATE OR REPLACE FUNCTION %[1]s.last_context_at(lvl BIGINT, op_grp INTEGER) RETURNS TABLE (op INT, content INT, internal INT) AS $$
    SELECT operation_number, content_number, COALESCE(internal_number, -1)
    FROM %[1]s.tx_contexts WHERE level <= lvl AND operation_group_number <= op_grp
    ORDER BY level DESC, operation_group_number DESC, operation_number DESC, content_number DESC, COALESCE(internal_number, -1) DESC
    LIMIT 1
$$ LANGUAGE sql STABLE;
`

// EnsureSharedSchema creates mainSchema and its tables if they don't
// already exist (spec §6 CLI: --init drops and recreates it instead; see
// DropSharedSchema).
func EnsureSharedSchema(ctx context.Context, pool *pgxpool.Pool, mainSchema string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf(sharedSchemaDDL, pgIdent(mainSchema)))
	return errors.Wrap(err, "db: creating shared schema")
}

// DropSharedSchema implements the --init CLI flag (spec §6): drop and
// recreate the shared schema from scratch.
func DropSharedSchema(ctx context.Context, pool *pgxpool.Pool, mainSchema string) error {
	_, err := pool.Exec(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pgIdent(mainSchema)))
	if err != nil {
		return errors.Wrap(err, "db: dropping shared schema")
	}
	return EnsureSharedSchema(ctx, pool, mainSchema)
}

// pgIdent is deliberately not a prepared-statement parameter: schema/table
// names can't be bound as query arguments in Postgres DDL, so every
// caller here only ever passes operator-supplied config values (--main-
// schema, a contract's own synthesized schema name), never chain data.
// Sanitize still guards against a stray quote in those values.
func pgIdent(name string) string { return pgx.Identifier{name}.Sanitize() }

// EnsureContractSchema executes a contract's synthesized DDL (produced by
// rel.RenderDDL) against the database.
func EnsureContractSchema(ctx context.Context, pool *pgxpool.Pool, ddl string) error {
	_, err := pool.Exec(ctx, ddl)
	return errors.Wrap(err, "db: creating contract schema")
}
