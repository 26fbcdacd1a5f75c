package sqlite

// schema defines the four persistent tables and their indexes (spec §3,
// §4.2). CREATE TABLE/INDEX IF NOT EXISTS keeps CreateSchema idempotent
// and never destructive (spec §9 Open Question 3) — no DROP statement
// appears anywhere in this package.
const schema = `
CREATE TABLE IF NOT EXISTS trees (
	tree_id TEXT PRIMARY KEY,
	first_load_time TEXT NOT NULL,
	latest_activity_time TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_trees_latest_activity ON trees(latest_activity_time);

CREATE TABLE IF NOT EXISTS visits (
	visit_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	referrer_url TEXT NOT NULL DEFAULT '',
	referrer_visit_id TEXT,
	page_loaded_at TEXT NOT NULL,
	tree_id TEXT NOT NULL REFERENCES trees(tree_id),
	FOREIGN KEY (referrer_visit_id) REFERENCES visits(visit_id)
);

CREATE INDEX IF NOT EXISTS idx_visits_url ON visits(url);
CREATE INDEX IF NOT EXISTS idx_visits_tree_id ON visits(tree_id);
CREATE INDEX IF NOT EXISTS idx_visits_referrer_visit_id ON visits(referrer_visit_id);
CREATE INDEX IF NOT EXISTS idx_visits_page_loaded_at ON visits(page_loaded_at);

CREATE TABLE IF NOT EXISTS analysis (
	visit_id TEXT PRIMARY KEY REFERENCES visits(visit_id),
	title TEXT NOT NULL DEFAULT '',
	summary TEXT NOT NULL DEFAULT '',
	intentions TEXT NOT NULL DEFAULT '[]'
);

CREATE INDEX IF NOT EXISTS idx_analysis_title ON analysis(title);

CREATE TABLE IF NOT EXISTS tree_intentions (
	tree_id TEXT NOT NULL REFERENCES trees(tree_id),
	visit_id TEXT NOT NULL REFERENCES visits(visit_id),
	intentions TEXT NOT NULL DEFAULT '[]',
	PRIMARY KEY (tree_id, visit_id)
);

CREATE INDEX IF NOT EXISTS idx_tree_intentions_tree_visit ON tree_intentions(tree_id, visit_id);
`
