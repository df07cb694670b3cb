package store

import "fmt"

// VectorDims are the embedding dimensionalities with a dedicated vec0 table.
// One table per dimension because vec0 columns are fixed-width.
var VectorDims = []int{768, 1024, 1536, 3072}

// VectorTableName returns the vec0 table backing the given dimensionality.
func VectorTableName(dims int) (string, error) {
	for _, d := range VectorDims {
		if d == dims {
			return fmt.Sprintf("embeddings_%d", d), nil
		}
	}
	return "", fmt.Errorf("unsupported embedding dimensions: %d", dims)
}

const schemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source TEXT NOT NULL,
    provider_id TEXT NOT NULL,
    url_original TEXT,
    url_canonical TEXT,
    title TEXT,
    author TEXT,
    published_at TEXT,
    saved_at TEXT,
    category TEXT,
    word_count INTEGER,
    summary TEXT,
    fulltext TEXT,
    fulltext_html TEXT,
    fulltext_source TEXT,
    fulltext_fetched_at TEXT,
    raw_json TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    updated_at TEXT DEFAULT (datetime('now')),
    UNIQUE(source, provider_id)
);

CREATE INDEX IF NOT EXISTS idx_documents_url_canonical
    ON documents(source, url_canonical);
CREATE INDEX IF NOT EXISTS idx_documents_saved_at ON documents(saved_at);
CREATE INDEX IF NOT EXISTS idx_documents_category ON documents(category);

CREATE TABLE IF NOT EXISTS highlights (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    provider_highlight_id TEXT,
    text TEXT NOT NULL,
    text_hash TEXT NOT NULL,
    note TEXT,
    highlighted_at TEXT,
    provider TEXT,
    created_at TEXT DEFAULT (datetime('now')),
    UNIQUE(document_id, text_hash)
);

CREATE INDEX IF NOT EXISTS idx_highlights_document ON highlights(document_id);

CREATE TABLE IF NOT EXISTS document_chunks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
    chunk_index INTEGER NOT NULL,
    chunk_text TEXT NOT NULL,
    char_start INTEGER NOT NULL,
    char_end INTEGER NOT NULL,
    token_count INTEGER,
    created_at TEXT DEFAULT (datetime('now')),
    UNIQUE(document_id, chunk_index)
);

CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id);

CREATE TABLE IF NOT EXISTS embeddings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER REFERENCES documents(id) ON DELETE CASCADE,
    chunk_id INTEGER REFERENCES document_chunks(id) ON DELETE CASCADE,
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    dimensions INTEGER NOT NULL,
    embedding BLOB NOT NULL,
    created_at TEXT DEFAULT (datetime('now')),
    CHECK ((document_id IS NULL) != (chunk_id IS NULL)),
    UNIQUE(chunk_id, provider, model)
);

CREATE INDEX IF NOT EXISTS idx_embeddings_chunk ON embeddings(chunk_id);
CREATE INDEX IF NOT EXISTS idx_embeddings_provider_model
    ON embeddings(provider, model);

CREATE TABLE IF NOT EXISTS fetch_failures (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    document_id INTEGER NOT NULL UNIQUE REFERENCES documents(id) ON DELETE CASCADE,
    url TEXT,
    error_type TEXT NOT NULL,
    error_message TEXT,
    http_status INTEGER,
    retry_count INTEGER NOT NULL DEFAULT 0,
    last_attempt_at TEXT DEFAULT (datetime('now')),
    job_id TEXT
);

CREATE TABLE IF NOT EXISTS import_jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    reader_cursor TEXT,
    export_cursor TEXT,
    reader_done INTEGER NOT NULL DEFAULT 0,
    export_done INTEGER NOT NULL DEFAULT 0,
    items_imported INTEGER NOT NULL DEFAULT 0,
    items_merged INTEGER NOT NULL DEFAULT 0,
    items_failed INTEGER NOT NULL DEFAULT 0,
    items_total INTEGER,
    started_at TEXT NOT NULL,
    last_activity TEXT NOT NULL,
    error TEXT
);

CREATE TABLE IF NOT EXISTS fetch_jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    cursor_doc_id INTEGER,
    items_processed INTEGER NOT NULL DEFAULT 0,
    items_succeeded INTEGER NOT NULL DEFAULT 0,
    items_failed INTEGER NOT NULL DEFAULT 0,
    items_skipped INTEGER NOT NULL DEFAULT 0,
    items_total INTEGER,
    started_at TEXT NOT NULL,
    last_activity TEXT NOT NULL,
    error TEXT
);

CREATE TABLE IF NOT EXISTS embed_jobs (
    id TEXT PRIMARY KEY,
    status TEXT NOT NULL,
    cursor_chunk_id INTEGER,
    items_processed INTEGER NOT NULL DEFAULT 0,
    items_succeeded INTEGER NOT NULL DEFAULT 0,
    items_failed INTEGER NOT NULL DEFAULT 0,
    items_total INTEGER,
    tokens_used INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    provider TEXT NOT NULL DEFAULT 'openai',
    model TEXT NOT NULL DEFAULT 'text-embedding-3-small',
    started_at TEXT NOT NULL,
    last_activity TEXT NOT NULL,
    error TEXT
);

CREATE TABLE IF NOT EXISTS api_usage (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    ts TEXT NOT NULL DEFAULT (datetime('now')),
    provider TEXT NOT NULL,
    model TEXT NOT NULL,
    operation TEXT NOT NULL,
    tokens_input INTEGER NOT NULL DEFAULT 0,
    tokens_output INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    latency_ms INTEGER NOT NULL DEFAULT 0,
    success INTEGER NOT NULL DEFAULT 1,
    error_message TEXT,
    metadata TEXT
);

CREATE INDEX IF NOT EXISTS idx_api_usage_ts ON api_usage(ts);

CREATE TABLE IF NOT EXISTS app_settings (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL,
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS custom_prompts (
    key TEXT PRIMARY KEY,
    template TEXT NOT NULL,
    temperature REAL NOT NULL,
    max_tokens INTEGER NOT NULL,
    updated_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS generated_digests (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    name TEXT NOT NULL,
    time_range_days INTEGER NOT NULL,
    date_from TEXT NOT NULL,
    date_to TEXT NOT NULL,
    strategy TEXT NOT NULL,
    model_id TEXT NOT NULL,
    summary_text TEXT,
    topics_json TEXT,
    highlights_json TEXT,
    docs_analyzed INTEGER NOT NULL DEFAULT 0,
    chunks_analyzed INTEGER NOT NULL DEFAULT 0,
    tokens_input INTEGER NOT NULL DEFAULT 0,
    tokens_output INTEGER NOT NULL DEFAULT 0,
    cost_usd REAL NOT NULL DEFAULT 0,
    created_at TEXT DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS digest_topics (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    digest_id INTEGER NOT NULL REFERENCES generated_digests(id) ON DELETE CASCADE,
    topic_index INTEGER NOT NULL,
    topic_name TEXT NOT NULL,
    summary TEXT,
    key_points_json TEXT,
    chunk_count INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS digest_citations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    digest_id INTEGER NOT NULL REFERENCES generated_digests(id) ON DELETE CASCADE,
    topic_index INTEGER NOT NULL,
    chunk_id INTEGER NOT NULL,
    document_id INTEGER NOT NULL,
    excerpt TEXT
);

CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
    title, author, fulltext, summary,
    content='documents',
    content_rowid='id'
);

CREATE VIRTUAL TABLE IF NOT EXISTS chunks_fts USING fts5(
    chunk_text,
    content='document_chunks',
    content_rowid='id'
);

CREATE TRIGGER IF NOT EXISTS chunks_fts_insert
AFTER INSERT ON document_chunks BEGIN
    INSERT INTO chunks_fts(rowid, chunk_text) VALUES (new.id, new.chunk_text);
END;

CREATE TRIGGER IF NOT EXISTS chunks_fts_delete
AFTER DELETE ON document_chunks BEGIN
    INSERT INTO chunks_fts(chunks_fts, rowid, chunk_text)
    VALUES ('delete', old.id, old.chunk_text);
END;

CREATE VIRTUAL TABLE IF NOT EXISTS embeddings_768 USING vec0(
    embedding_id INTEGER,
    embedding float[768]
);

CREATE VIRTUAL TABLE IF NOT EXISTS embeddings_1024 USING vec0(
    embedding_id INTEGER,
    embedding float[1024]
);

CREATE VIRTUAL TABLE IF NOT EXISTS embeddings_1536 USING vec0(
    embedding_id INTEGER,
    embedding float[1536]
);

CREATE VIRTUAL TABLE IF NOT EXISTS embeddings_3072 USING vec0(
    embedding_id INTEGER,
    embedding float[3072]
);

-- Legacy document-level vector index kept for the old search path.
CREATE VIRTUAL TABLE IF NOT EXISTS doc_embeddings USING vec0(
    document_id INTEGER,
    embedding float[1536]
);
`
