package sqlite

// schemaV1 creates the entity tables and the crawl log.
const schemaV1 = `
CREATE TABLE IF NOT EXISTS schema_version (
  version INTEGER PRIMARY KEY,
  applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS artists (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL DEFAULT '',
  url TEXT UNIQUE NOT NULL,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

-- Release identity; metadata is attached once the release page is processed.
CREATE TABLE IF NOT EXISTS releases (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  url TEXT UNIQUE NOT NULL,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS release_metadata (
  release_id INTEGER PRIMARY KEY REFERENCES releases(id) ON DELETE CASCADE,
  artist_id INTEGER NOT NULL REFERENCES artists(id),
  name TEXT NOT NULL,
  year INTEGER,
  tags TEXT NOT NULL DEFAULT '[]'
);

CREATE TABLE IF NOT EXISTS users (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT NOT NULL DEFAULT '',
  url TEXT UNIQUE NOT NULL,
  created_at DATETIME DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS user_supports (
  user_id INTEGER NOT NULL REFERENCES users(id) ON DELETE CASCADE,
  release_id INTEGER NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
  PRIMARY KEY (user_id, release_id)
);

-- Every discovered URL, in discovery order.
CREATE TABLE IF NOT EXISTS crawl_log (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  url TEXT UNIQUE NOT NULL,
  processed INTEGER NOT NULL DEFAULT 0,
  outcome TEXT,
  discovered_at DATETIME DEFAULT CURRENT_TIMESTAMP,
  processed_at DATETIME
);
`

// schemaV2 adds lookup indexes used by resume and reporting queries.
const schemaV2 = `
CREATE INDEX IF NOT EXISTS idx_crawl_log_pending ON crawl_log(processed, seq);
CREATE INDEX IF NOT EXISTS idx_release_metadata_artist ON release_metadata(artist_id);
CREATE INDEX IF NOT EXISTS idx_user_supports_release ON user_supports(release_id);
`
