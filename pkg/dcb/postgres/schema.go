package postgres

import (
	"context"
	"fmt"
	"strings"
)

// schemaTemplate is the DDL of one store instance. Every occurrence of
// {{prefix}} is replaced with the configured table prefix, so multiple
// isolated stores can share a schema.
const schemaTemplate = `
CREATE TABLE IF NOT EXISTS {{prefix}}events (
    position        BIGSERIAL PRIMARY KEY,
    transaction_id  xid8 NOT NULL DEFAULT pg_current_xact_id(),
    id              UUID NOT NULL UNIQUE,
    stream_context  TEXT NOT NULL,
    stream_purpose  TEXT NOT NULL,
    type            TEXT NOT NULL,
    occurred_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
    data            JSONB,
    erasable_data   JSONB,
    tags            TEXT[] NOT NULL DEFAULT '{}',
    idempotency_key TEXT
);

CREATE INDEX IF NOT EXISTS idx_{{prefix}}events_stream_type
    ON {{prefix}}events (stream_context, stream_purpose, type, position);

CREATE INDEX IF NOT EXISTS idx_{{prefix}}events_tags
    ON {{prefix}}events USING GIN (tags);

CREATE INDEX IF NOT EXISTS idx_{{prefix}}events_stream
    ON {{prefix}}events (stream_context, stream_purpose, position);

CREATE UNIQUE INDEX IF NOT EXISTS idx_{{prefix}}events_idempotency
    ON {{prefix}}events (stream_context, stream_purpose, idempotency_key)
    WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS {{prefix}}bookmarks (
    reader       VARCHAR PRIMARY KEY,
    position     BIGINT NOT NULL,
    id           UUID REFERENCES {{prefix}}events(id) ON DELETE CASCADE,
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_tags TEXT[] NOT NULL DEFAULT '{}'
);

CREATE OR REPLACE FUNCTION {{prefix}}notify_event_appended() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('{{prefix}}event_appended', json_build_object(
        'streamContext', NEW.stream_context,
        'streamPurpose', NEW.stream_purpose,
        'eventPosition', NEW.position,
        'eventId', NEW.id,
        'eventType', NEW.type
    )::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS {{prefix}}event_appended_trigger ON {{prefix}}events;
CREATE TRIGGER {{prefix}}event_appended_trigger
    AFTER INSERT ON {{prefix}}events
    FOR EACH ROW EXECUTE FUNCTION {{prefix}}notify_event_appended();

CREATE OR REPLACE FUNCTION {{prefix}}notify_bookmark_placed() RETURNS trigger AS $$
BEGIN
    PERFORM pg_notify('{{prefix}}bookmark_placed', json_build_object(
        'reader', NEW.reader,
        'eventPosition', NEW.position,
        'eventId', NEW.id
    )::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS {{prefix}}bookmark_placed_trigger ON {{prefix}}bookmarks;
CREATE TRIGGER {{prefix}}bookmark_placed_trigger
    AFTER INSERT OR UPDATE ON {{prefix}}bookmarks
    FOR EACH ROW EXECUTE FUNCTION {{prefix}}notify_bookmark_placed();
`

// Schema returns the DDL for a store with the given table prefix.
func Schema(prefix string) string {
	return strings.ReplaceAll(schemaTemplate, "{{prefix}}", prefix)
}

// EnsureSchema creates the store's tables, indexes and notification
// triggers if they do not exist yet.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema(s.config.TablePrefix)); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}
