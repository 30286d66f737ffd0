package store

// DDL applied at startup. The partial unique index on participants is
// the enforcement point for the one-shot share link: the join runs a
// check-then-insert inside a transaction, and this index makes the
// race a constraint violation instead of a duplicate secondary.
const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	id                  UUID PRIMARY KEY,
	initiator_device_id TEXT        NOT NULL,
	status              TEXT        NOT NULL,
	expires_at          TIMESTAMPTZ NOT NULL,
	created_at          TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS conversations_initiator_idx ON conversations (initiator_device_id, status);
CREATE INDEX IF NOT EXISTS conversations_expires_at_idx ON conversations (expires_at);

CREATE TABLE IF NOT EXISTS conversation_participants (
	id               UUID PRIMARY KEY,
	conversation_id  UUID        NOT NULL REFERENCES conversations (id) ON DELETE CASCADE,
	device_id        TEXT        NOT NULL,
	is_initiator     BOOLEAN     NOT NULL,
	joined_at        TIMESTAMPTZ NOT NULL,
	departed_at      TIMESTAMPTZ,
	link_consumed_at TIMESTAMPTZ,
	UNIQUE (conversation_id, device_id)
);
CREATE UNIQUE INDEX IF NOT EXISTS participants_secondary_slot_idx
	ON conversation_participants (conversation_id)
	WHERE is_initiator = FALSE AND link_consumed_at IS NOT NULL;

CREATE TABLE IF NOT EXISTS messages (
	id               UUID PRIMARY KEY,
	conversation_id  UUID REFERENCES conversations (id) ON DELETE CASCADE,
	ciphertext       TEXT        NOT NULL DEFAULT '',
	nonce            TEXT        NOT NULL DEFAULT '',
	tag              TEXT        NOT NULL DEFAULT '',
	message_type     TEXT        NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL,
	expires_at       TIMESTAMPTZ NOT NULL,
	read_at          TIMESTAMPTZ,
	consumed         BOOLEAN     NOT NULL DEFAULT FALSE,
	sender_device_id TEXT        NOT NULL DEFAULT '',
	file_ref         UUID,
	file_name        TEXT,
	file_size        BIGINT,
	file_mime_type   TEXT,
	file_storage_ref TEXT
);
CREATE INDEX IF NOT EXISTS messages_conversation_idx ON messages (conversation_id, created_at DESC);
CREATE INDEX IF NOT EXISTS messages_expires_at_idx ON messages (expires_at);
CREATE INDEX IF NOT EXISTS messages_consumed_idx ON messages (consumed);
CREATE INDEX IF NOT EXISTS messages_file_ref_idx ON messages (file_ref) WHERE file_ref IS NOT NULL;

CREATE TABLE IF NOT EXISTS device_tokens (
	id         UUID PRIMARY KEY,
	device_id  TEXT        NOT NULL,
	apns_token TEXT        NOT NULL UNIQUE,
	active     BOOLEAN     NOT NULL DEFAULT TRUE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS device_tokens_device_idx ON device_tokens (device_id, active);
`
