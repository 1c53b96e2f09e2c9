package postgres

// schemaDDL is applied by Migrate. Every statement is idempotent.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS artists (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS releases (
	id BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS release_metadata (
	release_id BIGINT PRIMARY KEY REFERENCES releases(id) ON DELETE CASCADE,
	artist_id BIGINT NOT NULL REFERENCES artists(id),
	name TEXT NOT NULL,
	year INTEGER,
	tags TEXT[] NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS users (
	id BIGSERIAL PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	url TEXT NOT NULL UNIQUE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS user_supports (
	user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
	release_id BIGINT NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
	PRIMARY KEY (user_id, release_id)
);

CREATE TABLE IF NOT EXISTS crawl_log (
	seq BIGSERIAL PRIMARY KEY,
	url TEXT NOT NULL UNIQUE,
	processed BOOLEAN NOT NULL DEFAULT FALSE,
	outcome TEXT,
	discovered_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	processed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_crawl_log_pending ON crawl_log (seq) WHERE NOT processed;
CREATE INDEX IF NOT EXISTS idx_release_metadata_artist ON release_metadata (artist_id);
CREATE INDEX IF NOT EXISTS idx_user_supports_release ON user_supports (release_id);
`
